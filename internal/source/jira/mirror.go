package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/nhle/incident-bridge/internal/format"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// GetRemoteData pulls one issue for incoming mirroring. A Done issue yields
// exactly one close entry. Otherwise, an issue updated after lastUpdate
// yields the issue plus the comments and attachments added since. Failures
// are reported through MirrorError, except authorization and rate-limit
// failures which abort the cycle.
func (a *Adapter) GetRemoteData(ctx context.Context, remoteID, lastUpdate string) (*model.RemoteData, error) {
	data := &model.RemoteData{RemoteID: remoteID}

	err := a.pullRemote(ctx, data, lastUpdate)
	if err == nil {
		return data, nil
	}

	a.log.Warnw("incoming mirror failed", "id", remoteID, "error", err)
	if abortsMirror(err) {
		return nil, err
	}
	data.Entries = nil
	data.MirrorError = err.Error()
	return data, nil
}

func (a *Adapter) pullRemote(ctx context.Context, data *model.RemoteData, lastUpdate string) error {
	raw, err := a.client.GetRaw(ctx, issuePath(data.RemoteID))
	if err != nil {
		return err
	}
	var issue Issue
	if err := json.Unmarshal(raw, &issue); err != nil {
		return errors.Wrapf(err, "decoding issue %s", data.RemoteID)
	}

	since, err := source.ParseTime(lastUpdate, a.now(), time.UTC)
	if err != nil {
		return errors.Wrapf(err, "parsing last update %q", lastUpdate)
	}
	updated, err := source.ParseTime(issue.Fields.Updated, a.now(), time.UTC)
	if err != nil {
		return errors.Wrapf(err, "parsing updated time of issue %s", data.RemoteID)
	}

	newer := updated.After(since)
	if newer {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return errors.Wrapf(err, "decoding issue %s", data.RemoteID)
		}
		data.Object = obj
	}

	if issue.Fields.Status.Name == "Done" {
		a.log.Infow("closing incident, issue is done", "id", data.RemoteID)
		data.Entries = []model.Entry{model.NewCloseEntry(ResolveReason)}
		return nil
	}
	if !newer {
		return nil
	}

	entries, err := a.entriesSince(ctx, issue, since)
	if err != nil {
		return err
	}
	data.Entries = entries
	return nil
}

// entriesSince returns note entries for comments updated after since and
// file entries for attachments created after since.
func (a *Adapter) entriesSince(ctx context.Context, issue Issue, since time.Time) ([]model.Entry, error) {
	var entries []model.Entry

	comments, _, err := a.listComments(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range comments {
		if !a.after(c.Updated, since) {
			continue
		}
		entries = append(entries, model.Entry{
			Type:     model.EntryTypeNote,
			Format:   model.EntryFormatText,
			Contents: c.Body,
			Note:     true,
		})
	}

	for _, att := range issue.Fields.Attachments {
		if !a.after(att.Created, since) {
			continue
		}
		ref, err := a.downloadAttachment(ctx, att)
		if err != nil {
			return nil, err
		}
		entries = append(entries, model.Entry{
			Type:     model.EntryTypeFile,
			Format:   model.EntryFormatText,
			Contents: ref.Name,
			File:     &ref,
		})
	}
	return entries, nil
}

func (a *Adapter) after(ts string, since time.Time) bool {
	t, err := source.ParseTime(ts, a.now(), time.UTC)
	if err != nil {
		a.log.Debugw("unparsable timestamp", "value", ts, "error", err)
		return false
	}
	return t.After(since)
}

// abortsMirror reports failures that stop the mirror cycle instead of
// being recorded on the incident.
func abortsMirror(err error) bool {
	return source.IsUnauthorized(err) || source.IsRateLimited(err)
}

// GetModifiedRemoteData lists issues updated after lastUpdate, read in the
// Jira user's time zone. Failures are logged and yield an empty list.
func (a *Adapter) GetModifiedRemoteData(ctx context.Context, lastUpdate string) ([]string, error) {
	ids := []string{}

	var me Myself
	if err := a.client.Get(ctx, "rest/api/latest/myself", &me); err != nil {
		a.log.Errorw("could not get Jira's time zone for get-modified-remote-data", "error", err)
		return ids, nil
	}

	loc := time.UTC
	if me.TimeZone == "" {
		a.log.Errorw("could not get Jira's time zone for get-modified-remote-data", "user", me.Name)
	} else if l, err := time.LoadLocation(me.TimeZone); err != nil {
		a.log.Errorw("unknown Jira time zone", "zone", me.TimeZone, "error", err)
	} else {
		loc = l
	}

	since, err := source.ParseTime(lastUpdate, a.now(), loc)
	if err != nil {
		a.log.Errorw("could not parse last update", "value", lastUpdate, "error", err)
		return ids, nil
	}
	ts := since.In(loc).Format("2006-01-02 15:04")

	params := url.Values{}
	params.Set("jql", fmt.Sprintf(`updated > "%s"`, ts))
	params.Set("maxResults", "100")
	res, err := a.client.Search(ctx, params)
	if err != nil {
		a.log.Errorw("could not query modified issues", "error", err)
		return ids, nil
	}
	for _, raw := range res.Issues {
		if id := format.LookupString(raw, "id"); id != "" {
			ids = append(ids, id)
		}
	}
	a.log.Debugw("modified issues", "since", ts, "ids", ids)
	return ids, nil
}

// UpdateRemoteSystem pushes local changes to the issue: a field edit when
// the incident changed, then one upload or comment per entry. Failures are
// logged and never returned.
func (a *Adapter) UpdateRemoteSystem(ctx context.Context, args source.UpdateRemoteArgs) string {
	id := args.RemoteID

	if len(args.Delta) > 0 && args.IncidentChanged {
		a.log.Debugw("updating remote issue", "id", id, "delta", source.Args(args.Delta).Keys())
		if _, err := a.editIssue(ctx, id, source.Args(args.Delta), true); err != nil {
			a.log.Errorw("outgoing mirror edit failed", "id", id, "error", err)
		}
	} else {
		a.log.Debugw("skipping remote field update, incident not changed", "id", id)
	}

	for _, entry := range args.Entries {
		if err := a.pushEntry(ctx, id, entry); err != nil {
			a.log.Errorw("outgoing mirror entry failed", "id", id, "entry", entry.ID, "error", err)
		}
	}
	return id
}

func (a *Adapter) pushEntry(ctx context.Context, issueID string, entry model.Entry) error {
	if entry.Type == model.EntryTypeFile {
		fileID := entry.ID
		if entry.File != nil && entry.File.ID != "" {
			fileID = entry.File.ID
		}
		_, err := a.uploadFile(ctx, issueID, fileID, "")
		return err
	}
	_, err := a.addComment(ctx, issueID, format.Stringify(entry.Contents), "")
	return err
}
