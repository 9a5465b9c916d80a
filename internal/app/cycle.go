package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
	"github.com/nhle/incident-bridge/internal/store"
)

// FetchReport summarizes one fetch cycle.
type FetchReport struct {
	IntegrationID string
	Fetched       int
	Created       int
	Cursor        model.Cursor
	Duration      time.Duration
}

// Result renders the report as a command result.
func (r FetchReport) Result() *source.Result {
	return &source.Result{
		ReadableOutput: fmt.Sprintf("Fetched %s incidents from %s, %s new.",
			humanize.Comma(int64(r.Fetched)), r.IntegrationID, humanize.Comma(int64(r.Created))),
		Outputs: r.Cursor,
	}
}

// MirrorReport summarizes one incoming mirror cycle.
type MirrorReport struct {
	IntegrationID string
	Modified      int
	Applied       int
	Skipped       int
	Errors        int
	Since         time.Time
}

// Result renders the report as a command result.
func (r MirrorReport) Result() *source.Result {
	return source.Text(fmt.Sprintf(
		"Mirrored %d of %d modified records from %s since %s (%d unknown, %d with errors).",
		r.Applied, r.Modified, r.IntegrationID, humanize.Time(r.Since), r.Skipped, r.Errors))
}

// Fetch runs one fetch cycle: the cursor is read once, new incidents are
// stored, and only then is the advanced cursor written back.
func (a *App) Fetch(ctx context.Context, id string) (FetchReport, error) {
	report := FetchReport{IntegrationID: id}
	started := a.now()

	integration, err := a.Integration(id)
	if err != nil {
		return report, err
	}

	cursor, err := a.store.GetLastRun(ctx, id)
	if err != nil {
		return report, errors.Wrap(err, "reading last run")
	}

	res, err := integration.FetchIncidents(ctx, cursor)
	if err != nil {
		return report, errors.Wrapf(err, "fetching incidents from %s", id)
	}

	created, err := a.store.CreateIncidents(ctx, id, res.Incidents)
	if err != nil {
		return report, errors.Wrap(err, "storing incidents")
	}
	if err := a.store.SetLastRun(ctx, id, res.Cursor); err != nil {
		return report, errors.Wrap(err, "writing last run")
	}

	report.Fetched = len(res.Incidents)
	report.Created = created
	report.Cursor = res.Cursor
	report.Duration = a.now().Sub(started)

	a.log.Infow("fetch cycle finished",
		"integration", id,
		"fetched", report.Fetched,
		"created", report.Created,
		"cursor", report.Cursor,
	)
	return report, nil
}

// MirrorIn pulls remote changes into stored incidents. Records the store
// does not know are skipped. Per-record mirror failures are stored on the
// incident; any error returned by the integration aborts the cycle.
func (a *App) MirrorIn(ctx context.Context, id string) (MirrorReport, error) {
	report := MirrorReport{IntegrationID: id}

	integration, err := a.Integration(id)
	if err != nil {
		return report, err
	}
	mirrorer, ok := integration.(source.Mirrorer)
	if !ok {
		return report, errors.Newf("%s: %s", source.CommandNotImplemented, CmdGetModifiedRemoteData)
	}

	cycleStart := a.now().UTC()
	since, err := a.store.GetMirrorTime(ctx, id)
	if err != nil {
		return report, errors.Wrap(err, "reading mirror time")
	}
	if since.IsZero() {
		since = cycleStart.Add(-firstMirrorLookback)
	}
	report.Since = since

	ids, err := mirrorer.GetModifiedRemoteData(ctx, since.Format(time.RFC3339))
	if err != nil {
		return report, errors.Wrapf(err, "listing modified records of %s", id)
	}
	report.Modified = len(ids)

	for _, remoteID := range ids {
		inc, err := a.store.GetIncidentByMirrorID(ctx, id, remoteID)
		if errors.Is(err, store.ErrNotFound) {
			report.Skipped++
			continue
		}
		if err != nil {
			return report, err
		}

		lastUpdate := inc.UpdatedAt
		if lastUpdate.IsZero() {
			lastUpdate = inc.CreatedAt
		}
		data, err := mirrorer.GetRemoteData(ctx, remoteID, lastUpdate.UTC().Format(time.RFC3339))
		if err != nil {
			return report, errors.Wrapf(err, "mirroring %s", remoteID)
		}
		if data.MirrorError != "" {
			report.Errors++
		}
		if err := a.store.ApplyRemoteData(ctx, id, *data); err != nil {
			return report, errors.Wrapf(err, "applying remote data of %s", remoteID)
		}
		report.Applied++
	}

	if err := a.store.SetMirrorTime(ctx, id, cycleStart); err != nil {
		return report, errors.Wrap(err, "writing mirror time")
	}

	a.log.Infow("mirror cycle finished",
		"integration", id,
		"modified", report.Modified,
		"applied", report.Applied,
		"skipped", report.Skipped,
		"errors", report.Errors,
	)
	return report, nil
}
