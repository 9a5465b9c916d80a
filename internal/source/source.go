package source

import (
	"context"

	"github.com/nhle/incident-bridge/internal/format"
	"github.com/nhle/incident-bridge/internal/model"
)

// CommandNotImplemented prefixes the error for unknown command names.
const CommandNotImplemented = "Command not implemented"

// Result is what a command hands back to the host: readable text for a
// person, context outputs for automation, and the raw vendor response.
type Result struct {
	// ReadableOutput is markdown shown to the user.
	ReadableOutput string

	// OutputsPrefix is the context path the outputs are stored under
	// (e.g., "Ticket", "CASB.Incident").
	OutputsPrefix string

	// OutputsKeyField identifies records when outputs are merged.
	OutputsKeyField string

	// Outputs holds the structured context values.
	Outputs any

	// RawResponse is the unmodified vendor response.
	RawResponse any

	// Files lists files written to the file store by the command.
	Files []model.FileRef

	// Warnings are non-fatal problems reported alongside the result.
	Warnings []string
}

// Text returns a Result that carries only readable text.
func Text(readable string) *Result {
	return &Result{ReadableOutput: readable}
}

// Context returns Outputs keyed by OutputsPrefix, the shape the host
// merges into incident context.
func (r *Result) Context() map[string]any {
	if r.OutputsPrefix == "" || r.Outputs == nil {
		return nil
	}
	return map[string]any{r.OutputsPrefix: r.Outputs}
}

// Handler executes a single named command.
type Handler func(ctx context.Context, args Args) (*Result, error)

// FetchResult holds the incidents produced by one fetch cycle and the
// cursor to persist for the next one.
type FetchResult struct {
	Incidents []model.Incident
	Cursor    model.Cursor
}

// FileStore exchanges file contents by ID.
type FileStore interface {
	SaveFile(ctx context.Context, name string, data []byte) (model.FileRef, error)
	OpenFile(ctx context.Context, id string) (model.FileRef, []byte, error)
}

// Integration defines the contract every remote adapter implements.
type Integration interface {
	// Type returns the integration type identifier.
	Type() model.IntegrationType

	// TestModule verifies credentials and connectivity and returns "ok"
	// or a human-readable explanation.
	TestModule(ctx context.Context) (string, error)

	// FetchIncidents discovers new remote records after cursor.
	FetchIncidents(ctx context.Context, cursor model.Cursor) (*FetchResult, error)

	// Commands returns the named command handlers.
	Commands() map[string]Handler
}

// UpdateRemoteArgs carries one outgoing mirror batch.
type UpdateRemoteArgs struct {
	RemoteID        string
	Delta           map[string]any
	IncidentChanged bool
	Entries         []model.Entry
}

// Mirrorer is implemented by integrations that support bidirectional mirroring.
type Mirrorer interface {
	Integration

	// GetRemoteData pulls one remote record if it changed after lastUpdate.
	GetRemoteData(ctx context.Context, remoteID, lastUpdate string) (*model.RemoteData, error)

	// GetModifiedRemoteData lists remote ids modified after lastUpdate.
	GetModifiedRemoteData(ctx context.Context, lastUpdate string) ([]string, error)

	// UpdateRemoteSystem pushes local changes and returns the remote id.
	UpdateRemoteSystem(ctx context.Context, args UpdateRemoteArgs) string

	// MappingFields returns the remote schema available for outgoing mapping.
	MappingFields(ctx context.Context) (*format.Record, error)
}
