package casb

import (
	"context"
	"time"

	"github.com/nhle/incident-bridge/internal/format"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// FetchIncidents polls for incidents modified since the cursor. The API
// returns incidents in ascending modification order but ids repeat across
// windows, so already emitted ids are remembered until the window moves
// past them.
func (a *Adapter) FetchIncidents(ctx context.Context, cursor model.Cursor) (*source.FetchResult, error) {
	start := cursor.LastSeen
	if start == "" {
		var err error
		if start, err = a.timeArg(a.settings.FirstFetch); err != nil {
			return nil, err
		}
	}

	res, err := a.client.QueryIncidents(ctx, a.settings.MaxFetch, IncidentQuery{StartTime: start})
	if err != nil {
		return nil, err
	}
	if len(res.Body.Incidents) == 0 {
		a.log.Infow("fetch finished", "emitted", 0, "start_time", start)
		return &source.FetchResult{Cursor: cursor}, nil
	}

	seen := cursor.Seen()
	var (
		incidents []model.Incident
		batch     []windowID
	)
	for _, raw := range res.Body.Incidents {
		id := format.LookupString(raw, "incidentId")
		modified := format.LookupString(raw, "timeModified")
		batch = append(batch, windowID{id: id, modified: modified})
		if seen[id] {
			continue
		}
		seen[id] = true
		incidents = append(incidents, model.Incident{
			Name:     "CASB Incident " + id,
			Occurred: modified,
			RawJSON:  string(raw),
			MirrorID: id,
		})
	}

	next := cursor
	next.Version = model.CursorVersion
	next.LastSeen = a.laterStart(start, res.Body.ResponseInfo.NextStartTime)
	next.SeenIDs = a.boundSeen(cursor.SeenIDs, batch, start, next.LastSeen)

	a.log.Infow("fetch finished",
		"emitted", len(incidents), "start_time", start, "next_start_time", next.LastSeen, "seen", len(next.SeenIDs))
	return &source.FetchResult{Incidents: incidents, Cursor: next}, nil
}

// windowID is an incident id with its modification time.
type windowID struct {
	id       string
	modified string
}

// laterStart returns next unless it is empty or earlier than start.
func (a *Adapter) laterStart(start, next string) string {
	if next == "" {
		return start
	}
	from, errFrom := a.parse(start)
	to, errTo := a.parse(next)
	if errFrom == nil && errTo == nil && to.Before(from) {
		a.log.Warnw("next start time moved backwards, keeping current", "start", start, "next", next)
		return start
	}
	return next
}

// boundSeen computes the seen set for the next window. While the start
// time stays put every id is kept. Once it advances, only ids of this
// batch modified at or after the new start (or with an unreadable time)
// can be returned again and are kept.
func (a *Adapter) boundSeen(previous []string, batch []windowID, start, next string) []string {
	from, errFrom := a.parse(start)
	to, errTo := a.parse(next)
	advanced := next != start && (errFrom != nil || errTo != nil || to.After(from))

	var out []string
	added := make(map[string]bool)
	add := func(id string) {
		if id != "" && !added[id] {
			added[id] = true
			out = append(out, id)
		}
	}

	if !advanced {
		for _, id := range previous {
			add(id)
		}
		for _, w := range batch {
			add(w.id)
		}
		return out
	}

	for _, w := range batch {
		modified, err := a.parse(w.modified)
		if err != nil || errTo != nil || !modified.Before(to) {
			add(w.id)
		}
	}
	return out
}

func (a *Adapter) parse(s string) (time.Time, error) {
	return source.ParseTime(s, a.now().UTC(), time.UTC)
}
