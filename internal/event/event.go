package event

import (
	"time"

	"github.com/google/uuid"
)

// Type is the kind of attendance occurrence.
type Type string

const (
	TypeEntry Type = "entry"
	TypeExit  Type = "exit"
	// TypeAbsentMarker is a synthetic record produced by the absence
	// sweep. It does not participate in the entry/exit alternation.
	TypeAbsentMarker Type = "absent-marker"
)

// Mode is how a scan should be interpreted by the presence resolver.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeForcedEntry Mode = "forced-entry"
	ModeForcedExit  Mode = "forced-exit"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeForcedEntry, ModeForcedExit:
		return true
	}
	return false
}

// Origin records which path created an event.
type Origin string

const (
	OriginOnline        Origin = "online"
	OriginOfflineQueued Origin = "offline-queued"
)

// SyncStatus is the reconciliation state of an event against the
// central system.
type SyncStatus string

const (
	StatusConfirmed SyncStatus = "confirmed"
	StatusPending   SyncStatus = "pending"
	StatusSyncing   SyncStatus = "syncing"
	StatusError     SyncStatus = "error"
)

// AttendanceEvent is a single entry, exit or absent-marker occurrence.
// Everything except SyncStatus is immutable after creation; once
// confirmed the whole record is immutable and retained for audit.
type AttendanceEvent struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subject_id"`
	GroupID    string     `json:"group_id,omitempty"`
	QRToken    string     `json:"qr_token,omitempty"`
	ActorID    string     `json:"actor_id"`
	Type       Type       `json:"type"`
	OccurredAt time.Time  `json:"occurred_at"`
	Origin     Origin     `json:"origin"`
	SyncStatus SyncStatus `json:"sync_status"`
}

// New builds an event with a client-generated id and a UTC timestamp.
// The client timestamp is authoritative for ordering while offline.
func New(subjectID, actorID string, t Type, origin Origin, status SyncStatus) AttendanceEvent {
	return AttendanceEvent{
		ID:         uuid.NewString(),
		SubjectID:  subjectID,
		ActorID:    actorID,
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Origin:     origin,
		SyncStatus: status,
	}
}

// DayOf formats a timestamp as the calendar-day key used across the
// engine.
func DayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Day returns the calendar day the event belongs to.
func (e AttendanceEvent) Day() string {
	return DayOf(e.OccurredAt)
}

// Synthetic reports whether the event was inferred rather than scanned.
func (e AttendanceEvent) Synthetic() bool {
	return e.Type == TypeAbsentMarker
}
