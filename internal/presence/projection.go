package presence

import (
	"fmt"
	"sort"
	"sync"

	"scangate/internal/event"
)

// Projection mirrors per-day event sequences locally so day state can
// be answered while the central system is unreachable. All reads and
// writes go through its methods; the scan pipeline, sync engine and
// sweep share one instance.
type Projection struct {
	mu sync.Mutex
	// day -> subject -> events in occurredAt order, ties by insertion.
	days map[string]map[string][]event.AttendanceEvent
}

func NewProjection() *Projection {
	return &Projection{days: make(map[string]map[string][]event.AttendanceEvent)}
}

// StateFor computes the subject's presence for a calendar day from the
// recorded sequence, ignoring synthetic markers.
func (p *Projection) StateFor(subjectID, day string) DayState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var st DayState
	for _, evt := range p.days[day][subjectID] {
		if evt.Synthetic() {
			continue
		}
		st.Seen = true
		st.LastEventType = evt.Type
		st.LastEventAt = evt.OccurredAt
		st.IsPresent = evt.Type == event.TypeEntry
	}
	return st
}

// Record appends an event, enforcing the strict entry/exit alternation
// for non-synthetic events: the day's sequence must read entry, exit,
// entry, exit. Synthetic markers are stored but do not participate.
func (p *Projection) Record(evt event.AttendanceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	day := evt.Day()
	if !evt.Synthetic() {
		last := lastReal(p.days[day][evt.SubjectID])
		switch {
		case last == nil && evt.Type != event.TypeEntry:
			return fmt.Errorf("subject %s: day must start with entry, got %s", evt.SubjectID, evt.Type)
		case last != nil && last.Type == evt.Type:
			return fmt.Errorf("subject %s: consecutive %s events", evt.SubjectID, evt.Type)
		}
	}
	if p.days[day] == nil {
		p.days[day] = make(map[string][]event.AttendanceEvent)
	}
	p.days[day][evt.SubjectID] = append(p.days[day][evt.SubjectID], evt)
	return nil
}

// ReplaceDay swaps in an authoritative event list for a day, as
// returned by the central system after reconnecting. Events are
// reordered by occurredAt; the incoming order breaks ties.
func (p *Projection) ReplaceDay(day string, events []event.AttendanceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bySubject := make(map[string][]event.AttendanceEvent)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
	for _, evt := range events {
		bySubject[evt.SubjectID] = append(bySubject[evt.SubjectID], evt)
	}
	p.days[day] = bySubject
}

// HasEntry reports whether the subject has any real entry on the day.
func (p *Projection) HasEntry(subjectID, day string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, evt := range p.days[day][subjectID] {
		if evt.Type == event.TypeEntry {
			return true
		}
	}
	return false
}

// HasAbsentMarker reports whether an absent marker already exists for
// the subject on the day. The sweep checks this before synthesizing a
// new one.
func (p *Projection) HasAbsentMarker(subjectID, day string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, evt := range p.days[day][subjectID] {
		if evt.Type == event.TypeAbsentMarker {
			return true
		}
	}
	return false
}

func lastReal(events []event.AttendanceEvent) *event.AttendanceEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if !events[i].Synthetic() {
			return &events[i]
		}
	}
	return nil
}
