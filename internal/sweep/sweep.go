// Package sweep infers absentees: once per day per group, every
// enrolled subject without an entry event gets a synthetic
// absent-marker. Re-running a sweep never duplicates markers.
package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"scangate/internal/directory"
	"scangate/internal/event"
	"scangate/internal/notify"
	"scangate/internal/presence"
	"scangate/internal/queue"
	"scangate/internal/remote"
)

// Remote is the slice of the central-system client the sweep needs.
type Remote interface {
	MarkAbsent(ctx context.Context, actorID, groupID, date string) (*remote.AbsenceCounts, error)
}

// Connectivity reports whether the central system is reachable.
type Connectivity interface {
	Online() bool
}

// History receives confirmed markers for the local audit log. Queued
// markers reach it later through the sync engine instead.
type History interface {
	RecordConfirmed(ctx context.Context, evt event.AttendanceEvent) error
}

// Report is the per-group outcome handed to reporting.
type Report struct {
	GroupID      string `json:"group_id"`
	Date         string `json:"date"`
	TotalRoster  int    `json:"total_roster"`
	PresentCount int    `json:"present_count"`
	AbsentMarked int    `json:"absent_marked"`
	Queued       bool   `json:"queued"`
}

// Sweeper runs the batch absence inference.
type Sweeper struct {
	dir      directory.Cache
	proj     *presence.Projection
	q        queue.Queue
	remote   Remote
	conn     Connectivity
	notifier notify.Notifier
	hist     History
	log      *zap.Logger
	now      func() time.Time
}

func New(dir directory.Cache, proj *presence.Projection, q queue.Queue, rem Remote, conn Connectivity, notifier notify.Notifier, log *zap.Logger) *Sweeper {
	return &Sweeper{
		dir:      dir,
		proj:     proj,
		q:        q,
		remote:   rem,
		conn:     conn,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// WithHistory installs the confirmed-marker audit sink.
func (s *Sweeper) WithHistory(h History) *Sweeper {
	s.hist = h
	return s
}

// Run sweeps one group for one date (today when empty). Online, the
// markers are confirmed through a single mark-absent call; offline
// they are enqueued like any other event. Subjects already carrying a
// marker for the date are skipped, so a second run is a no-op.
func (s *Sweeper) Run(ctx context.Context, actorID, groupID, date string) (Report, error) {
	if date == "" {
		date = event.DayOf(s.now())
	}
	occurredAt, err := time.Parse("2006-01-02", date)
	if err != nil {
		return Report{}, fmt.Errorf("invalid sweep date %q: %w", date, err)
	}

	roster, err := s.dir.ByGroup(ctx, groupID)
	if err != nil {
		return Report{}, err
	}

	report := Report{GroupID: groupID, Date: date, TotalRoster: len(roster)}
	var absentees []directory.Subject
	for _, subj := range roster {
		if s.proj.HasEntry(subj.ID, date) {
			report.PresentCount++
			continue
		}
		if s.proj.HasAbsentMarker(subj.ID, date) {
			continue
		}
		absentees = append(absentees, subj)
	}
	if len(absentees) == 0 {
		return report, nil
	}

	confirmed := false
	if s.conn.Online() {
		if _, err := s.remote.MarkAbsent(ctx, actorID, groupID, date); err != nil {
			if remote.IsRejection(err) {
				return report, err
			}
			s.log.Warn("mark-absent unreachable, queuing markers",
				zap.String("group_id", groupID), zap.Error(err))
		} else {
			confirmed = true
		}
	}

	for _, subj := range absentees {
		evt := event.New(subj.ID, actorID, event.TypeAbsentMarker, event.OriginOnline, event.StatusConfirmed)
		evt.GroupID = groupID
		evt.QRToken = subj.QRToken
		evt.OccurredAt = occurredAt.UTC()
		if !confirmed {
			evt.Origin = event.OriginOfflineQueued
			evt.SyncStatus = event.StatusPending
			if _, err := s.q.Enqueue(ctx, evt); err != nil {
				return report, err
			}
			report.Queued = true
		}
		if err := s.proj.Record(evt); err != nil {
			return report, err
		}
		if confirmed && s.hist != nil {
			if herr := s.hist.RecordConfirmed(ctx, evt); herr != nil {
				s.log.Warn("audit record failed", zap.String("event_id", evt.ID), zap.Error(herr))
			}
		}
		report.AbsentMarked++
	}

	s.notifier.SweepCompleted(ctx, groupID, date, report.AbsentMarked)
	return report, nil
}
