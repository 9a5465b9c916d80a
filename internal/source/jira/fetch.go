package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/nhle/incident-bridge/internal/format"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// fetchPageSize is the maxResults of every fetch query.
const fetchPageSize = 50

// fetchQuery extends the configured JQL with the polling position.
func (a *Adapter) fetchQuery(offset int64, lastCreated string) (string, error) {
	query := a.settings.Query
	if a.settings.FetchByCreated && lastCreated != "" {
		created, err := source.ParseTime(lastCreated, a.now(), time.UTC)
		if err != nil {
			return "", errors.Wrapf(err, "parsing last created time %q", lastCreated)
		}
		since := created.Add(-2 * time.Minute).Format("2006-01-02 15:04")
		return fmt.Sprintf(`%s AND created>="%s"`, query, since), nil
	}
	if offset > 0 {
		query = fmt.Sprintf("%s AND id >= %d", query, offset)
	}
	if a.settings.FetchByCreated {
		query += " AND created>-1m"
	}
	return query, nil
}

// FetchIncidents polls for issues after the cursor. Issues at or below the
// starting offset are skipped; the cursor moves to the highest id seen and
// its created time.
func (a *Adapter) FetchIncidents(ctx context.Context, cursor model.Cursor) (*source.FetchResult, error) {
	offset := cursor.IDOffset
	if cursor.IsFirstRun() && offset == 0 {
		offset = a.settings.IDOffset
	}

	query, err := a.fetchQuery(offset, cursor.LastSeen)
	if err != nil {
		return nil, err
	}
	a.log.Debugw("fetching issues", "query", query)

	params := url.Values{}
	params.Set("jql", query)
	params.Set("maxResults", strconv.Itoa(fetchPageSize))
	res, err := a.client.Search(ctx, params)
	if err != nil {
		return nil, err
	}

	next := cursor.Advance(offset)
	var (
		incidents    []model.Incident
		lastAccepted int64
	)
	for _, raw := range res.Issues {
		var issue Issue
		if err := json.Unmarshal(raw, &issue); err != nil {
			return nil, errors.Wrap(err, "decoding issue")
		}
		id, err := strconv.ParseInt(issue.ID, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing issue id %q", issue.ID)
		}
		if id <= offset {
			continue
		}
		if id < lastAccepted {
			a.log.Warnw("issue ids out of order", "id", id, "previous", lastAccepted)
		}
		lastAccepted = id

		if id > next.IDOffset {
			next.IDOffset = id
			if issue.Fields.Created != "" {
				next.LastSeen = issue.Fields.Created
			}
		}

		incident, err := a.incidentFromIssue(ctx, raw, issue)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, incident)
	}

	a.log.Infow("fetch finished", "emitted", len(incidents), "id_offset", next.IDOffset)
	return &source.FetchResult{Incidents: incidents, Cursor: next}, nil
}

// incidentFromIssue builds the incident for one issue, downloading
// attachments and comments when enabled.
func (a *Adapter) incidentFromIssue(ctx context.Context, raw []byte, issue Issue) (model.Incident, error) {
	labels := []model.Label{
		{Type: "issue", Value: string(raw)},
		{Type: "id", Value: issue.ID},
		{Type: "lastViewed", Value: labelValue(raw, "fields.lastViewed")},
		{Type: "priority", Value: labelValue(raw, "fields.priority.name")},
		{Type: "status", Value: labelValue(raw, "fields.status.name")},
		{Type: "project", Value: labelValue(raw, "fields.project.name")},
		{Type: "updated", Value: labelValue(raw, "fields.updated")},
		{Type: "reportername", Value: labelValue(raw, "fields.reporter.displayName")},
		{Type: "reporteremail", Value: labelValue(raw, "fields.reporter.emailAddress")},
		{Type: "created", Value: labelValue(raw, "fields.created")},
		{Type: "summary", Value: labelValue(raw, "fields.summary")},
		{Type: "description", Value: labelValue(raw, "fields.description")},
	}

	comments := "[]"
	if a.settings.FetchComments {
		if _, list, err := a.listComments(ctx, issue.ID); err != nil {
			a.log.Debugw("could not get comments for fetched issue", "id", issue.ID, "error", err)
		} else {
			comments = string(list)
		}
	}
	labels = append(labels, model.Label{Type: "comments", Value: comments})

	var attachments []model.FileRef
	if a.settings.FetchAttachments {
		for _, att := range issue.Fields.Attachments {
			ref, err := a.downloadAttachment(ctx, att)
			if err != nil {
				a.log.Debugw("could not get attachment for fetched issue", "id", issue.ID, "error", err)
				continue
			}
			attachments = append(attachments, ref)
		}
	}

	rawJSON, err := a.withMirrorFields(raw)
	if err != nil {
		return model.Incident{}, err
	}

	return model.Incident{
		Name:        "Jira issue: " + issue.ID,
		Occurred:    issue.Fields.Created,
		Severity:    severityFor(issue.Fields.Priority),
		Details:     issue.Fields.Description,
		Labels:      labels,
		Attachments: attachments,
		RawJSON:     rawJSON,
		MirrorID:    issue.ID,
	}, nil
}

// withMirrorFields appends mirror_direction, mirror_tags and
// mirror_instance to the issue, keeping its key order.
func (a *Adapter) withMirrorFields(raw []byte) (string, error) {
	doc := format.NewRecord()
	if err := json.Unmarshal(raw, doc); err != nil {
		return "", errors.Wrap(err, "decoding issue")
	}
	doc.Set("mirror_direction", mirrorDirection(a.settings.IncomingMirror, a.settings.OutgoingMirror))
	doc.Set("mirror_tags", []string{a.settings.CommentTag, a.settings.FileTag})
	doc.Set("mirror_instance", a.settings.InstanceName)

	out, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "encoding issue")
	}
	return string(out), nil
}

// labelValue renders the value at path, using "None" for missing values.
func labelValue(raw []byte, path string) string {
	v, ok := format.Lookup(raw, path)
	if !ok || v == nil {
		return "None"
	}
	return format.Stringify(v)
}
