// Package directory is the read-mostly local mapping from subject id
// to subject metadata, consulted when the central system is
// unreachable. It is populated by an explicit preload and refreshed as
// a whole, never mutated record by record from the outside.
package directory

import (
	"context"
	"errors"
)

// ErrSubjectUnknown indicates an id with no cached record. The scan
// path falls back to a placeholder so presence is never lost.
var ErrSubjectUnknown = errors.New("subject unknown")

// Subject is a student or staff member tracked for presence. Owned by
// the central system; the cache holds an immutable-until-refreshed
// copy.
type Subject struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	GroupID     string `json:"groupId"`
	QRToken     string `json:"qrToken"`
}

// Placeholder builds the minimal record used when a scanned id is not
// in the cache and the central system cannot be asked.
func Placeholder(id string) Subject {
	return Subject{ID: id, DisplayName: "unknown subject " + id}
}

// Cache is the abstraction over directory backends.
type Cache interface {
	Get(ctx context.Context, id string) (*Subject, error)
	Put(ctx context.Context, s Subject) error
	PutAll(ctx context.Context, subjects []Subject) error
	// ByGroup returns the cached roster of a group.
	ByGroup(ctx context.Context, groupID string) ([]Subject, error)
	Len(ctx context.Context) (int, error)
}

// Lister is the slice of the remote client the preload needs.
type Lister interface {
	Subjects(ctx context.Context) ([]Subject, error)
}

// Preload replaces the cache contents from the central system. Called
// explicitly at startup and on demand while online.
func Preload(ctx context.Context, cache Cache, lister Lister) (int, error) {
	subjects, err := lister.Subjects(ctx)
	if err != nil {
		return 0, err
	}
	if err := cache.PutAll(ctx, subjects); err != nil {
		return 0, err
	}
	return len(subjects), nil
}
