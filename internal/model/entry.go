package model

// EntryType tags a war-room entry. The numeric values match the host
// platform's wire values, so an entry of type 3 is always a file.
type EntryType int

const (
	EntryTypeNote EntryType = 1
	EntryTypeFile EntryType = 3
)

// EntryFormat describes how Contents should be interpreted.
type EntryFormat string

const (
	EntryFormatText     EntryFormat = "text"
	EntryFormatJSON     EntryFormat = "json"
	EntryFormatMarkdown EntryFormat = "markdown"
)

// Entry is a single comment, file, or directive exchanged while mirroring.
type Entry struct {
	ID       string      `json:"id,omitempty" yaml:"id,omitempty"`
	Type     EntryType   `json:"type" yaml:"type"`
	Format   EntryFormat `json:"format,omitempty" yaml:"format,omitempty"`
	Contents any         `json:"contents,omitempty" yaml:"contents,omitempty"`
	Note     bool        `json:"note,omitempty" yaml:"note,omitempty"`
	File     *FileRef    `json:"file,omitempty" yaml:"file,omitempty"`
}

// NewCloseEntry returns the directive that closes the local incident.
func NewCloseEntry(reason string) Entry {
	return Entry{
		Type:   EntryTypeNote,
		Format: EntryFormatJSON,
		Contents: map[string]any{
			"dbotIncidentClose": true,
			"closeReason":       reason,
		},
	}
}

// IsClose reports whether the entry is a close directive.
func (e Entry) IsClose() bool {
	contents, ok := e.Contents.(map[string]any)
	if !ok {
		return false
	}
	closeFlag, _ := contents["dbotIncidentClose"].(bool)
	return closeFlag
}

// CloseReason returns the reason carried by a close directive.
func (e Entry) CloseReason() string {
	contents, ok := e.Contents.(map[string]any)
	if !ok {
		return ""
	}
	reason, _ := contents["closeReason"].(string)
	return reason
}

// RemoteData is the result of pulling one remote record during mirror-in.
type RemoteData struct {
	// RemoteID is the remote identifier the data was pulled for.
	RemoteID string `json:"id" yaml:"id"`

	// Object is the updated remote record. It is empty when the remote
	// record has not changed since the last sync.
	Object map[string]any `json:"mirroredObject" yaml:"mirrored_object"`

	// Entries are new comments, files, and directives to apply locally.
	Entries []Entry `json:"entries" yaml:"entries"`

	// MirrorError is set when the pull failed in a recoverable way.
	MirrorError string `json:"in_mirror_error" yaml:"in_mirror_error"`
}

// HasUpdate reports whether the remote record carried new content.
func (d RemoteData) HasUpdate() bool {
	return len(d.Object) > 0
}
