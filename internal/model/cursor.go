package model

// CursorVersion is the current layout of the persisted fetch cursor.
const CursorVersion = 1

// Cursor is the polling position persisted between fetch cycles.
// A cursor with a zero Version has never been written and marks a first run.
type Cursor struct {
	Version int `json:"version"`

	// IDOffset is the highest remote id emitted so far (Jira).
	IDOffset int64 `json:"id_offset,omitempty"`

	// LastSeen is the timestamp polling resumes from. For Jira it is the
	// created time of the IDOffset issue; for CASB it is the
	// response-supplied next start time.
	LastSeen string `json:"last_seen,omitempty"`

	// SeenIDs are remote ids already emitted within the current window (CASB).
	SeenIDs []string `json:"seen_ids,omitempty"`
}

// IsFirstRun reports whether the cursor has never been persisted.
func (c Cursor) IsFirstRun() bool {
	return c.Version == 0
}

// Seen returns SeenIDs as a set.
func (c Cursor) Seen() map[string]bool {
	seen := make(map[string]bool, len(c.SeenIDs))
	for _, id := range c.SeenIDs {
		seen[id] = true
	}
	return seen
}

// Advance returns a copy of c stamped with the current version and the
// given id offset, never moving the offset backwards.
func (c Cursor) Advance(idOffset int64) Cursor {
	next := c
	next.Version = CursorVersion
	if idOffset > next.IDOffset {
		next.IDOffset = idOffset
	}
	return next
}
