package source

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	dps "github.com/markusmobius/go-dateparser"
)

// timeLayouts are the exact formats vendors send. They are tried before the
// natural-language parser, which does not read Jira's "+0000" offsets.
var timeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime parses an absolute timestamp, epoch seconds or milliseconds, or
// a natural-language expression such as "3 days", "12 hours ago",
// "yesterday" or "May 1, 2024", measured back from now. Values without a
// zone are read in loc; a nil loc means UTC.
func ParseTime(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.EqualFold(s, "now") {
		return now, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs > 1e12 {
			return time.UnixMilli(secs).In(loc), nil
		}
		return time.Unix(secs, 0).In(loc), nil
	}

	dt, err := dps.Parse(&dps.Configuration{
		Languages:       []string{"en"},
		CurrentTime:     now.In(loc),
		DefaultTimezone: loc,
	}, s)
	if err != nil || dt.Time.IsZero() {
		return time.Time{}, errors.Newf("could not parse time %q", s)
	}
	return dt.Time, nil
}
