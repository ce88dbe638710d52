package storage

import (
	"encoding/json"
	"fmt"
)

// Session identifies one lease holder: a host-scoped process identity plus a
// job identity minted per service instance.
type Session struct {
	ProcessID string `json:"process_id"`
	JobID     string `json:"job_id"`
}

// String renders the session as process/job for logs.
func (s Session) String() string {
	return s.ProcessID + "/" + s.JobID
}

// SameSession reports whether two optional sessions denote the same holder.
func SameSession(a, b *Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ProcessID == b.ProcessID && a.JobID == b.JobID
}

// Clone copies an optional session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// Meta is the lock-protocol block persisted inside every record. Application
// payload updates never touch it; only the session protocol writes here.
type Meta struct {
	// ActiveSession is the current lease holder. Nil means unleased.
	ActiveSession *Session `json:"active_session,omitempty"`
	// ForceLoadSession marks a pending takeover. Non-nil only while a steal
	// is in flight.
	ForceLoadSession *Session `json:"force_load_session,omitempty"`
	// SessionLoadCount increments on every successful claim. A holder whose
	// last-written count no longer matches the stored one has lost the lease.
	SessionLoadCount int64 `json:"session_load_count"`
	// CreatedAtUnix is stamped at first persist and never overwritten.
	CreatedAtUnix int64 `json:"created_at_unix,omitempty"`
	// UpdatedAtUnix is stamped on every successful persist; it is the lease
	// liveness signal other processes judge dead locks by.
	UpdatedAtUnix int64 `json:"updated_at_unix,omitempty"`
}

// Record is the persisted value for one key: opaque JSON payload plus the
// protocol metadata block.
type Record struct {
	Data map[string]any `json:"data"`
	Meta Meta           `json:"meta"`
}

// Clone deep-copies the record so callers can mutate payloads without
// aliasing stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		Data: CloneData(r.Data),
		Meta: r.Meta,
	}
	if r.Meta.ActiveSession != nil {
		s := *r.Meta.ActiveSession
		out.Meta.ActiveSession = &s
	}
	if r.Meta.ForceLoadSession != nil {
		s := *r.Meta.ForceLoadSession
		out.Meta.ForceLoadSession = &s
	}
	return out
}

// CloneData deep-copies a JSON-shaped payload map.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return CloneData(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// EncodeRecord serializes rec to its wire form, encrypting when crypto is
// enabled.
func EncodeRecord(rec *Record, crypto *Crypto) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("storage: encode nil record")
	}
	plain, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("storage: encode record: %w", err)
	}
	if !crypto.Enabled() {
		return plain, nil
	}
	sealed, err := crypto.EncryptRecord(plain)
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// DecodeRecord parses a stored blob, decrypting when crypto is enabled.
// Undecodable blobs wrap ErrCorruptRecord.
func DecodeRecord(blob []byte, crypto *Crypto) (*Record, error) {
	if crypto.Enabled() {
		plain, err := crypto.DecryptRecord(blob)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		blob = plain
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &rec, nil
}
