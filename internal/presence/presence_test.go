package presence

import (
	"errors"
	"testing"
	"time"

	"scangate/internal/event"
)

func TestResolveNeverSeenAutoIsEntry(t *testing.T) {
	got, err := Resolve(DayState{}, event.ModeAuto)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != event.TypeEntry {
		t.Errorf("expected entry, got %s", got)
	}
}

func TestResolvePresentAutoIsExit(t *testing.T) {
	st := DayState{Seen: true, LastEventType: event.TypeEntry, IsPresent: true}
	got, err := Resolve(st, event.ModeAuto)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != event.TypeExit {
		t.Errorf("expected exit, got %s", got)
	}
}

func TestResolveForcedEntryWhilePresent(t *testing.T) {
	st := DayState{Seen: true, LastEventType: event.TypeEntry, IsPresent: true}
	if _, err := Resolve(st, event.ModeForcedEntry); !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateEntry, got %v", err)
	}
}

func TestResolveForcedExitAfterFullDay(t *testing.T) {
	// entry then exit: subject is out, a second forced exit must fail.
	st := DayState{Seen: true, LastEventType: event.TypeExit, IsPresent: false}
	if _, err := Resolve(st, event.ModeForcedExit); !errors.Is(err, ErrDuplicateExit) {
		t.Errorf("expected ErrDuplicateExit, got %v", err)
	}
}

func TestResolveForcedExitNeverEntered(t *testing.T) {
	if _, err := Resolve(DayState{}, event.ModeForcedExit); !errors.Is(err, ErrDuplicateExit) {
		t.Errorf("expected ErrDuplicateExit, got %v", err)
	}
}

func TestResolveUnknownMode(t *testing.T) {
	if _, err := Resolve(DayState{}, event.Mode("maybe")); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}
}

func newEvent(subjectID string, t event.Type, at time.Time) event.AttendanceEvent {
	evt := event.New(subjectID, "sup-1", t, event.OriginOnline, event.StatusConfirmed)
	evt.OccurredAt = at
	return evt
}

func TestProjectionEnforcesAlternation(t *testing.T) {
	proj := NewProjection()
	base := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)

	if err := proj.Record(newEvent("s1", event.TypeEntry, base)); err != nil {
		t.Fatalf("first entry should record: %v", err)
	}
	if err := proj.Record(newEvent("s1", event.TypeEntry, base.Add(time.Minute))); err == nil {
		t.Error("second consecutive entry must be rejected")
	}
	if err := proj.Record(newEvent("s1", event.TypeExit, base.Add(2*time.Minute))); err != nil {
		t.Fatalf("exit after entry should record: %v", err)
	}
	if err := proj.Record(newEvent("s1", event.TypeExit, base.Add(3*time.Minute))); err == nil {
		t.Error("second consecutive exit must be rejected")
	}
}

func TestProjectionDayMustStartWithEntry(t *testing.T) {
	proj := NewProjection()
	at := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)
	if err := proj.Record(newEvent("s1", event.TypeExit, at)); err == nil {
		t.Error("exit without prior entry must be rejected")
	}
}

func TestProjectionStateFor(t *testing.T) {
	proj := NewProjection()
	at := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)
	day := event.DayOf(at)

	st := proj.StateFor("s1", day)
	if st.Seen || st.IsPresent {
		t.Error("unseen subject must be absent")
	}

	if err := proj.Record(newEvent("s1", event.TypeEntry, at)); err != nil {
		t.Fatal(err)
	}
	st = proj.StateFor("s1", day)
	if !st.IsPresent || st.LastEventType != event.TypeEntry {
		t.Errorf("expected present after entry, got %+v", st)
	}

	if err := proj.Record(newEvent("s1", event.TypeExit, at.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	st = proj.StateFor("s1", day)
	if st.IsPresent || st.LastEventType != event.TypeExit {
		t.Errorf("expected absent after exit, got %+v", st)
	}
}

func TestProjectionIgnoresSyntheticMarkers(t *testing.T) {
	proj := NewProjection()
	at := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)
	day := event.DayOf(at)

	marker := newEvent("s1", event.TypeAbsentMarker, at)
	if err := proj.Record(marker); err != nil {
		t.Fatalf("marker should record without alternation check: %v", err)
	}
	if st := proj.StateFor("s1", day); st.Seen {
		t.Error("markers must not affect day state")
	}
	if !proj.HasAbsentMarker("s1", day) {
		t.Error("marker should be findable")
	}
	// A real entry is still legal after the marker.
	if err := proj.Record(newEvent("s1", event.TypeEntry, at.Add(time.Hour))); err != nil {
		t.Fatalf("entry after marker should record: %v", err)
	}
	if !proj.HasEntry("s1", day) {
		t.Error("entry should be findable")
	}
}

func TestProjectionReplaceDay(t *testing.T) {
	proj := NewProjection()
	at := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)
	day := event.DayOf(at)

	if err := proj.Record(newEvent("s1", event.TypeEntry, at)); err != nil {
		t.Fatal(err)
	}
	// Central system says s1 already left and s2 entered.
	proj.ReplaceDay(day, []event.AttendanceEvent{
		newEvent("s1", event.TypeExit, at.Add(time.Hour)),
		newEvent("s1", event.TypeEntry, at),
		newEvent("s2", event.TypeEntry, at.Add(30*time.Minute)),
	})

	if st := proj.StateFor("s1", day); st.IsPresent {
		t.Errorf("s1 should be out after reseed, got %+v", st)
	}
	if st := proj.StateFor("s2", day); !st.IsPresent {
		t.Errorf("s2 should be present after reseed, got %+v", st)
	}
}
