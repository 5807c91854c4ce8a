package presence

import (
	"errors"
	"time"

	"scangate/internal/event"
)

var (
	// ErrDuplicateEntry indicates a forced entry for a subject who is
	// already present today.
	ErrDuplicateEntry = errors.New("duplicate entry")
	// ErrDuplicateExit indicates a forced exit for a subject who never
	// entered today.
	ErrDuplicateExit = errors.New("duplicate exit")
	// ErrUnknownMode indicates an event mode outside the closed set.
	ErrUnknownMode = errors.New("unknown event mode")
)

// DayState is the derived presence of one subject on one calendar day.
// It is a projection over the ordered event sequence for that day and
// is never stored as independently mutable truth.
type DayState struct {
	Seen          bool
	LastEventType event.Type
	LastEventAt   time.Time
	IsPresent     bool
}

// Resolve decides the next event type for a subject given its current
// day state and the requested mode. Pure: the decision is identical
// whether the state came from the central system or the local mirror,
// so the online and offline paths cannot diverge in policy.
func Resolve(state DayState, mode event.Mode) (event.Type, error) {
	switch mode {
	case event.ModeAuto:
		if state.IsPresent {
			return event.TypeExit, nil
		}
		return event.TypeEntry, nil
	case event.ModeForcedEntry:
		if state.IsPresent {
			return "", ErrDuplicateEntry
		}
		return event.TypeEntry, nil
	case event.ModeForcedExit:
		if !state.IsPresent {
			return "", ErrDuplicateExit
		}
		return event.TypeExit, nil
	default:
		return "", ErrUnknownMode
	}
}
