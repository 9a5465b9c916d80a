package store

import (
	"context"
	"time"

	"github.com/nhle/incident-bridge/internal/model"
)

// IncidentFilter controls filtering and pagination for incident queries.
type IncidentFilter struct {
	IntegrationID *string
	Closed        *bool
	Query         *string
	Limit         int
	Offset        int
}

// StoredEntry is an entry recorded against a local incident.
type StoredEntry struct {
	ID         string
	IncidentID string
	Entry      model.Entry
	CreatedAt  time.Time
}

// Store defines the persistence interface for cursors, incidents, mirrored
// entries, and files.
type Store interface {
	// === Last run ===

	GetLastRun(ctx context.Context, integrationID string) (model.Cursor, error)
	SetLastRun(ctx context.Context, integrationID string, cursor model.Cursor) error

	// === Incidents ===

	CreateIncidents(ctx context.Context, integrationID string, incidents []model.Incident) (int, error)
	GetIncidents(ctx context.Context, filter IncidentFilter) ([]model.Incident, error)
	GetIncidentByMirrorID(ctx context.Context, integrationID, mirrorID string) (*model.Incident, error)
	ApplyRemoteData(ctx context.Context, integrationID string, data model.RemoteData) error

	// === Mirror state ===

	GetMirrorTime(ctx context.Context, integrationID string) (time.Time, error)
	SetMirrorTime(ctx context.Context, integrationID string, t time.Time) error

	// === Entries ===

	GetEntries(ctx context.Context, incidentID string) ([]StoredEntry, error)

	// === Files ===

	SaveFile(ctx context.Context, name string, data []byte) (model.FileRef, error)
	OpenFile(ctx context.Context, id string) (model.FileRef, []byte, error)

	Close() error
}
