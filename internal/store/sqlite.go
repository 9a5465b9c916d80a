package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/incident-bridge/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using a local SQLite database
// and a directory for file contents.
type SQLiteStore struct {
	db       *sqlx.DB
	filesDir string
	now      func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations. File contents
// are written under filesDir.
func NewSQLiteStore(dbPath, filesDir string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating database directory for %s", dbPath)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite db")
	}

	// A single connection keeps ":memory:" databases coherent and
	// serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL mode")
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling foreign keys")
	}

	s := NewWithDB(db, filesDir)
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}

	return s, nil
}

// NewWithDB wraps an already-open, already-migrated database.
func NewWithDB(db *sqlx.DB, filesDir string) *SQLiteStore {
	return &SQLiteStore{
		db:       db,
		filesDir: filesDir,
		now:      time.Now,
	}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return errors.Wrap(err, "checking schema_version table")
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return errors.Wrap(err, "reading schema version")
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return errors.Wrapf(err, "applying migration v%d", m.version)
		}
	}

	return nil
}

// GetLastRun returns the persisted cursor for an integration. An integration
// that has never completed a fetch gets the zero cursor.
func (s *SQLiteStore) GetLastRun(
	ctx context.Context,
	integrationID string,
) (model.Cursor, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		"SELECT cursor FROM last_run WHERE integration_id = ?", integrationID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Cursor{}, nil
	}
	if err != nil {
		return model.Cursor{}, errors.Wrapf(err, "reading last run for %s", integrationID)
	}

	var cursor model.Cursor
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		return model.Cursor{}, errors.Wrapf(err, "decoding last run for %s", integrationID)
	}
	return cursor, nil
}

// SetLastRun replaces the persisted cursor for an integration.
func (s *SQLiteStore) SetLastRun(
	ctx context.Context,
	integrationID string,
	cursor model.Cursor,
) error {
	if cursor.Version == 0 {
		cursor.Version = model.CursorVersion
	}
	raw, err := json.Marshal(cursor)
	if err != nil {
		return errors.Wrap(err, "encoding cursor")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO last_run (integration_id, version, cursor, updated_at)
		VALUES (?, ?, ?, ?)`,
		integrationID, cursor.Version, string(raw), s.now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "writing last run for %s", integrationID)
	}
	return nil
}

// CreateIncidents inserts new incidents, skipping any whose mirror id is
// already stored for the integration. It returns the number inserted.
func (s *SQLiteStore) CreateIncidents(
	ctx context.Context,
	integrationID string,
	incidents []model.Incident,
) (int, error) {
	if len(incidents) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	const query = `
		INSERT OR IGNORE INTO incidents (
			id, integration_id, mirror_id, name,
			occurred, severity, details,
			labels, attachments, raw_json,
			closed, mirror_error, created_at, updated_at
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?,
			?, ?, ?, ?
		)`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, errors.Wrap(err, "preparing insert statement")
	}
	defer stmt.Close()

	now := s.now().UTC()
	inserted := 0
	for _, inc := range incidents {
		if inc.ID == "" {
			inc.ID = uuid.New().String()
		}

		labels, err := json.Marshal(nonNil(inc.Labels))
		if err != nil {
			return 0, errors.Wrapf(err, "marshaling labels for %s", inc.MirrorID)
		}
		attachments, err := json.Marshal(nonNil(inc.Attachments))
		if err != nil {
			return 0, errors.Wrapf(err, "marshaling attachments for %s", inc.MirrorID)
		}

		res, err := stmt.ExecContext(ctx,
			inc.ID, integrationID, inc.MirrorID, inc.Name,
			inc.Occurred, inc.Severity, inc.Details,
			string(labels), string(attachments), inc.RawJSON,
			boolToInt(inc.Closed), inc.MirrorError, now, now,
		)
		if err != nil {
			return 0, errors.Wrapf(err, "inserting incident %s", inc.MirrorID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "committing incidents")
	}
	return inserted, nil
}

// incidentRow mirrors the incidents table for sqlx scanning.
type incidentRow struct {
	ID            string    `db:"id"`
	IntegrationID string    `db:"integration_id"`
	MirrorID      string    `db:"mirror_id"`
	Name          string    `db:"name"`
	Occurred      string    `db:"occurred"`
	Severity      int       `db:"severity"`
	Details       string    `db:"details"`
	Labels        string    `db:"labels"`
	Attachments   string    `db:"attachments"`
	RawJSON       string    `db:"raw_json"`
	Closed        int       `db:"closed"`
	MirrorError   string    `db:"mirror_error"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r incidentRow) toModel() (model.Incident, error) {
	inc := model.Incident{
		ID:            r.ID,
		IntegrationID: r.IntegrationID,
		MirrorID:      r.MirrorID,
		Name:          r.Name,
		Occurred:      r.Occurred,
		Severity:      r.Severity,
		Details:       r.Details,
		RawJSON:       r.RawJSON,
		Closed:        r.Closed != 0,
		MirrorError:   r.MirrorError,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Labels != "" {
		if err := json.Unmarshal([]byte(r.Labels), &inc.Labels); err != nil {
			return model.Incident{}, errors.Wrap(err, "unmarshaling labels")
		}
	}
	if r.Attachments != "" {
		if err := json.Unmarshal([]byte(r.Attachments), &inc.Attachments); err != nil {
			return model.Incident{}, errors.Wrap(err, "unmarshaling attachments")
		}
	}
	return inc, nil
}

// GetIncidents retrieves incidents matching the provided filter options,
// newest first.
func (s *SQLiteStore) GetIncidents(
	ctx context.Context,
	opts IncidentFilter,
) ([]model.Incident, error) {
	var conditions []string
	var args []interface{}

	if opts.IntegrationID != nil {
		conditions = append(conditions, "integration_id = ?")
		args = append(args, *opts.IntegrationID)
	}
	if opts.Closed != nil {
		conditions = append(conditions, "closed = ?")
		args = append(args, boolToInt(*opts.Closed))
	}
	if opts.Query != nil && *opts.Query != "" {
		conditions = append(conditions, "(name LIKE ? OR details LIKE ?)")
		q := "%" + *opts.Query + "%"
		args = append(args, q, q)
	}

	query := "SELECT * FROM incidents"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	var rows []incidentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying incidents")
	}

	incidents := make([]model.Incident, 0, len(rows))
	for _, r := range rows {
		inc, err := r.toModel()
		if err != nil {
			return nil, errors.Wrapf(err, "incident %s", r.ID)
		}
		incidents = append(incidents, inc)
	}
	return incidents, nil
}

// GetIncidentByMirrorID retrieves the incident for a remote id.
func (s *SQLiteStore) GetIncidentByMirrorID(
	ctx context.Context,
	integrationID, mirrorID string,
) (*model.Incident, error) {
	var row incidentRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM incidents WHERE integration_id = ? AND mirror_id = ?",
		integrationID, mirrorID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "incident %s/%s", integrationID, mirrorID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting incident %s/%s", integrationID, mirrorID)
	}

	inc, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// ApplyRemoteData folds one mirror-in result into the stored incident:
// the raw record is replaced when it changed, entries are recorded, and a
// close directive marks the incident closed.
func (s *SQLiteStore) ApplyRemoteData(
	ctx context.Context,
	integrationID string,
	data model.RemoteData,
) error {
	inc, err := s.GetIncidentByMirrorID(ctx, integrationID, data.RemoteID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if data.HasUpdate() {
		raw, err := json.Marshal(data.Object)
		if err != nil {
			return errors.Wrap(err, "encoding mirrored object")
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE incidents SET raw_json = ?, updated_at = ? WHERE id = ?",
			string(raw), now, inc.ID,
		)
		if err != nil {
			return errors.Wrapf(err, "updating incident %s", inc.ID)
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE incidents SET mirror_error = ? WHERE id = ?",
		data.MirrorError, inc.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "recording mirror error for %s", inc.ID)
	}

	for _, e := range data.Entries {
		if e.IsClose() {
			_, err = tx.ExecContext(ctx,
				"UPDATE incidents SET closed = 1, updated_at = ? WHERE id = ?",
				now, inc.ID,
			)
			if err != nil {
				return errors.Wrapf(err, "closing incident %s", inc.ID)
			}
		}

		contents, err := encodeContents(e.Contents)
		if err != nil {
			return err
		}
		var fileID interface{}
		if e.File != nil {
			fileID = e.File.ID
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO entries (id, incident_id, type, format, contents, note, file_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), inc.ID, int(e.Type), string(e.Format),
			contents, boolToInt(e.Note), fileID, now,
		)
		if err != nil {
			return errors.Wrapf(err, "recording entry for %s", inc.ID)
		}
	}

	return tx.Commit()
}

// entryRow mirrors the entries table joined with files.
type entryRow struct {
	ID         string         `db:"id"`
	IncidentID string         `db:"incident_id"`
	Type       int            `db:"type"`
	Format     string         `db:"format"`
	Contents   string         `db:"contents"`
	Note       int            `db:"note"`
	FileID     sql.NullString `db:"file_id"`
	FileName   sql.NullString `db:"file_name"`
	CreatedAt  time.Time      `db:"created_at"`
}

// GetEntries returns the entries recorded for an incident in insertion order.
func (s *SQLiteStore) GetEntries(
	ctx context.Context,
	incidentID string,
) ([]StoredEntry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT e.id, e.incident_id, e.type, e.format, e.contents, e.note,
		       e.file_id, f.name AS file_name, e.created_at
		FROM entries e LEFT JOIN files f ON f.id = e.file_id
		WHERE e.incident_id = ?
		ORDER BY e.rowid`, incidentID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "querying entries for %s", incidentID)
	}

	entries := make([]StoredEntry, 0, len(rows))
	for _, r := range rows {
		e := model.Entry{
			ID:       r.ID,
			Type:     model.EntryType(r.Type),
			Format:   model.EntryFormat(r.Format),
			Contents: decodeContents(model.EntryFormat(r.Format), r.Contents),
			Note:     r.Note != 0,
		}
		if r.FileID.Valid {
			e.File = &model.FileRef{ID: r.FileID.String, Name: r.FileName.String}
		}
		entries = append(entries, StoredEntry{
			ID:         r.ID,
			IncidentID: r.IncidentID,
			Entry:      e,
			CreatedAt:  r.CreatedAt,
		})
	}
	return entries, nil
}

// GetMirrorTime returns when mirror-in last completed for an integration,
// or the zero time if it never ran.
func (s *SQLiteStore) GetMirrorTime(
	ctx context.Context,
	integrationID string,
) (time.Time, error) {
	var t time.Time
	err := s.db.GetContext(ctx, &t,
		"SELECT last_mirror FROM mirror_state WHERE integration_id = ?", integrationID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "reading mirror time for %s", integrationID)
	}
	return t, nil
}

// SetMirrorTime records when mirror-in last completed for an integration.
func (s *SQLiteStore) SetMirrorTime(
	ctx context.Context,
	integrationID string,
	t time.Time,
) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO mirror_state (integration_id, last_mirror) VALUES (?, ?)",
		integrationID, t.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "writing mirror time for %s", integrationID)
	}
	return nil
}

// SaveFile writes data under the files directory and records it.
func (s *SQLiteStore) SaveFile(
	ctx context.Context,
	name string,
	data []byte,
) (model.FileRef, error) {
	if err := os.MkdirAll(s.filesDir, 0o755); err != nil {
		return model.FileRef{}, errors.Wrapf(err, "creating files directory %s", s.filesDir)
	}

	ref := model.FileRef{
		ID:   uuid.New().String(),
		Name: name,
		Size: int64(len(data)),
	}
	ref.Path = filepath.Join(s.filesDir, ref.ID)

	if err := os.WriteFile(ref.Path, data, 0o600); err != nil {
		return model.FileRef{}, errors.Wrapf(err, "writing file %q", name)
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO files (id, name, path, size, created_at) VALUES (?, ?, ?, ?, ?)",
		ref.ID, ref.Name, ref.Path, ref.Size, s.now().UTC(),
	)
	if err != nil {
		_ = os.Remove(ref.Path)
		return model.FileRef{}, errors.Wrapf(err, "recording file %q", name)
	}
	return ref, nil
}

// OpenFile resolves a file id and reads its contents.
func (s *SQLiteStore) OpenFile(
	ctx context.Context,
	id string,
) (model.FileRef, []byte, error) {
	var ref model.FileRef
	err := s.db.QueryRowxContext(ctx,
		"SELECT id, name, path, size FROM files WHERE id = ?", id,
	).Scan(&ref.ID, &ref.Name, &ref.Path, &ref.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FileRef{}, nil, errors.Wrapf(ErrNotFound, "file %s", id)
	}
	if err != nil {
		return model.FileRef{}, nil, errors.Wrapf(err, "getting file %s", id)
	}

	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return model.FileRef{}, nil, errors.Wrapf(err, "reading file %s", id)
	}
	return ref, data, nil
}

func encodeContents(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", errors.Wrap(err, "encoding entry contents")
		}
		return string(data), nil
	}
}

func decodeContents(format model.EntryFormat, s string) any {
	if format != model.EntryFormatJSON || s == "" {
		return s
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// boolToInt converts a bool to an integer for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
