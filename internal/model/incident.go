package model

import "time"

// IntegrationType identifies the kind of remote system an integration talks to.
type IntegrationType string

const (
	IntegrationTypeJira IntegrationType = "jira"
	IntegrationTypeCASB IntegrationType = "casb"
)

// Label is a typed key/value pair attached to an incident at ingestion time.
type Label struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

// FileRef points at a file held by the local file store. Adapters exchange
// files by ID only; the store resolves the ID to a path on disk.
type FileRef struct {
	ID   string `json:"path" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Path string `json:"-" yaml:"-"`
	Size int64  `json:"-" yaml:"size"`
}

// Incident is a normalized record created from one remote record
// (a Jira issue or a CASB incident).
type Incident struct {
	// ID is the local UUID assigned when the incident is stored.
	ID string

	// IntegrationID is the configured integration instance that produced it.
	IntegrationID string

	// Name is the display name, e.g. "Jira issue: 10001".
	Name string

	// Occurred is the remote timestamp the incident is dated by.
	Occurred string

	// Severity is 0 (unknown) through 4 (critical).
	Severity int

	// Details is free text, usually the remote description.
	Details string

	Labels      []Label
	Attachments []FileRef

	// RawJSON is the full remote record, including mirroring metadata.
	RawJSON string

	// MirrorID is the remote identifier used for de-duplication and mirroring.
	MirrorID string

	// Closed is set when mirroring observes a terminal remote status.
	Closed bool

	// MirrorError holds the last incoming mirror failure, if any.
	MirrorError string

	CreatedAt time.Time
	UpdatedAt time.Time
}
