package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"scangate/internal/directory"
	"scangate/internal/event"
	"scangate/internal/presence"
	"scangate/internal/queue"
	"scangate/internal/remote"
)

type fakeRemote struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRemote) MarkAbsent(_ context.Context, _, _, _ string) (*remote.AbsenceCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &remote.AbsenceCounts{}, nil
}

type fakeConn struct{ online bool }

func (f *fakeConn) Online() bool { return f.online }

type spyHistory struct {
	mu  sync.Mutex
	ids []string
}

func (h *spyHistory) RecordConfirmed(_ context.Context, evt event.AttendanceEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, evt.ID)
	return nil
}

type nopNotifier struct{}

func (nopNotifier) EventRejected(context.Context, event.AttendanceEvent, string) {}

func (nopNotifier) SweepCompleted(context.Context, string, string, int) {}

func setupSweep(t *testing.T, online bool) (*Sweeper, *presence.Projection, *queue.Memory, *fakeRemote) {
	t.Helper()
	dir := directory.NewMemory()
	roster := []directory.Subject{
		{ID: "s1", DisplayName: "Amina", GroupID: "g1", QRToken: "STUDENT_ID_s1"},
		{ID: "s2", DisplayName: "Bilal", GroupID: "g1", QRToken: "STUDENT_ID_s2"},
		{ID: "s3", DisplayName: "Chantal", GroupID: "g1", QRToken: "STUDENT_ID_s3"},
		{ID: "x1", DisplayName: "Other Group", GroupID: "g2", QRToken: "STUDENT_ID_x1"},
	}
	if err := dir.PutAll(context.Background(), roster); err != nil {
		t.Fatal(err)
	}
	proj := presence.NewProjection()
	q := queue.NewMemory(queue.DefaultPolicy())
	fake := &fakeRemote{}
	s := New(dir, proj, q, fake, &fakeConn{online: online}, nopNotifier{}, zap.NewNop())
	s.WithClock(func() time.Time { return time.Date(2026, 8, 28, 16, 0, 0, 0, time.UTC) })
	return s, proj, q, fake
}

func recordEntry(t *testing.T, proj *presence.Projection, subjectID string) {
	t.Helper()
	evt := event.New(subjectID, "sup-1", event.TypeEntry, event.OriginOnline, event.StatusConfirmed)
	evt.OccurredAt = time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)
	if err := proj.Record(evt); err != nil {
		t.Fatal(err)
	}
}

func TestSweepMarksMissingSubjects(t *testing.T) {
	s, proj, q, fake := setupSweep(t, false)
	recordEntry(t, proj, "s1")

	report, err := s.Run(context.Background(), "sup-1", "g1", "")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.TotalRoster != 3 {
		t.Errorf("expected roster of 3, got %d", report.TotalRoster)
	}
	if report.PresentCount != 1 {
		t.Errorf("expected 1 present, got %d", report.PresentCount)
	}
	if report.AbsentMarked != 2 {
		t.Errorf("expected 2 absent markers, got %d", report.AbsentMarked)
	}
	if !report.Queued {
		t.Error("offline sweep must queue its markers")
	}

	counts, err := q.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 2 {
		t.Errorf("expected 2 queued markers, got %+v", counts)
	}
	if fake.calls != 0 {
		t.Errorf("offline sweep must not call the central system, got %d calls", fake.calls)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	s, proj, q, _ := setupSweep(t, false)
	recordEntry(t, proj, "s1")

	first, err := s.Run(context.Background(), "sup-1", "g1", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Run(context.Background(), "sup-1", "g1", "")
	if err != nil {
		t.Fatal(err)
	}
	if first.AbsentMarked != 2 || second.AbsentMarked != 0 {
		t.Errorf("second run must not create new markers: first=%d second=%d", first.AbsentMarked, second.AbsentMarked)
	}
	counts, err := q.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 2 {
		t.Errorf("marker set must match a single run, got %+v", counts)
	}
}

func TestSweepOnlineConfirmsWithoutQueueing(t *testing.T) {
	s, _, q, fake := setupSweep(t, true)

	report, err := s.Run(context.Background(), "sup-1", "g1", "")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.AbsentMarked != 3 || report.Queued {
		t.Errorf("online sweep should confirm directly, got %+v", report)
	}
	if fake.calls != 1 {
		t.Errorf("expected one mark-absent call, got %d", fake.calls)
	}
	counts, err := q.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts != (queue.Counts{}) {
		t.Errorf("online sweep must not queue, got %+v", counts)
	}
}

func TestSweepOnlineMarkersReachAuditLog(t *testing.T) {
	s, _, _, _ := setupSweep(t, true)
	hist := &spyHistory{}
	s.WithHistory(hist)

	report, err := s.Run(context.Background(), "sup-1", "g1", "")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(hist.ids) != report.AbsentMarked {
		t.Errorf("every confirmed marker must reach the audit log: marked=%d recorded=%d",
			report.AbsentMarked, len(hist.ids))
	}
}

func TestSweepOfflineMarkersSkipAuditLog(t *testing.T) {
	s, _, _, _ := setupSweep(t, false)
	hist := &spyHistory{}
	s.WithHistory(hist)

	if _, err := s.Run(context.Background(), "sup-1", "g1", ""); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	// Queued markers are only audited once the sync engine confirms them.
	if len(hist.ids) != 0 {
		t.Errorf("unconfirmed markers must not be audited, got %d", len(hist.ids))
	}
}

func TestSweepFallsBackToQueueOnTransientFailure(t *testing.T) {
	s, _, q, fake := setupSweep(t, true)
	fake.err = &remote.TransientError{Err: context.DeadlineExceeded}

	report, err := s.Run(context.Background(), "sup-1", "g1", "")
	if err != nil {
		t.Fatalf("sweep should degrade to queueing: %v", err)
	}
	if report.AbsentMarked != 3 || !report.Queued {
		t.Errorf("expected queued markers, got %+v", report)
	}
	counts, err := q.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 3 {
		t.Errorf("expected 3 queued markers, got %+v", counts)
	}
}

func TestSweepRespectsTargetDate(t *testing.T) {
	s, proj, _, _ := setupSweep(t, false)

	report, err := s.Run(context.Background(), "sup-1", "g1", "2026-08-27")
	if err != nil {
		t.Fatal(err)
	}
	if report.Date != "2026-08-27" || report.AbsentMarked != 3 {
		t.Errorf("unexpected report %+v", report)
	}
	if !proj.HasAbsentMarker("s1", "2026-08-27") {
		t.Error("marker must land on the target date")
	}
	if proj.HasAbsentMarker("s1", "2026-08-28") {
		t.Error("marker must not leak onto today")
	}
}

func TestSweepRejectsBadDate(t *testing.T) {
	s, _, _, _ := setupSweep(t, false)
	if _, err := s.Run(context.Background(), "sup-1", "g1", "yesterday"); err == nil {
		t.Error("invalid date must fail")
	}
}
