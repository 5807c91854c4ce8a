// Package scan turns decoded badge strings into validated attendance
// events. Scans process strictly sequentially: the intake channel is
// unbuffered, so a decode callback arriving while a scan is in flight
// is dropped rather than re-entered.
package scan

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"scangate/internal/directory"
	"scangate/internal/event"
	"scangate/internal/identifier"
	"scangate/internal/metrics"
	"scangate/internal/presence"
	"scangate/internal/queue"
	"scangate/internal/remote"
)

// ErrScanInFlight is returned when a scan arrives while a prior
// resolve+persist step has not finished.
var ErrScanInFlight = errors.New("scan in flight")

// Remote is the slice of the central-system client the pipeline needs.
type Remote interface {
	SubmitScan(ctx context.Context, qrToken, actorID string, mode event.Mode, eventID string, occurredAt time.Time) (*remote.ScanResult, error)
}

// Connectivity reports whether the central system is reachable.
type Connectivity interface {
	Online() bool
}

// History receives confirmed events for the local audit log.
type History interface {
	RecordConfirmed(ctx context.Context, evt event.AttendanceEvent) error
}

// Request is one decoded scan plus how to interpret it.
type Request struct {
	Raw     string
	Mode    event.Mode
	ActorID string
}

// Result is what the operator sees at the point of scan.
type Result struct {
	Event       event.AttendanceEvent `json:"event"`
	SubjectName string                `json:"subject_name"`
	Queued      bool                  `json:"queued"`
}

type job struct {
	req   Request
	reply chan outcome
}

type outcome struct {
	res Result
	err error
}

// Pipeline is the single-consumer scan stream.
type Pipeline struct {
	resolver *identifier.Resolver
	dir      directory.Cache
	proj     *presence.Projection
	q        queue.Queue
	remote   Remote
	conn     Connectivity
	hist     History
	log      *zap.Logger

	submitTimeout time.Duration
	now           func() time.Time
	jobs          chan job
}

func New(resolver *identifier.Resolver, dir directory.Cache, proj *presence.Projection, q queue.Queue, rem Remote, conn Connectivity, hist History, submitTimeout time.Duration, log *zap.Logger) *Pipeline {
	if submitTimeout <= 0 {
		submitTimeout = 10 * time.Second
	}
	return &Pipeline{
		resolver:      resolver,
		dir:           dir,
		proj:          proj,
		q:             q,
		remote:        rem,
		conn:          conn,
		hist:          hist,
		log:           log,
		submitTimeout: submitTimeout,
		now:           func() time.Time { return time.Now().UTC() },
		jobs:          make(chan job),
	}
}

// WithClock overrides the time source for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run consumes scans until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			out := p.process(ctx, j.req)
			if j.reply != nil {
				j.reply <- out
			}
		}
	}
}

// Offer hands a hardware decode callback to the pipeline without
// waiting for the result. Returns false when a scan is in flight; the
// capture source simply fires again on the next frame.
func (p *Pipeline) Offer(req Request) bool {
	select {
	case p.jobs <- job{req: req}:
		return true
	default:
		metrics.ScansDropped.Inc()
		return false
	}
}

// Process submits a scan and waits for its outcome, for callers that
// need the result (the operator API). Fails fast with ErrScanInFlight
// instead of queuing behind another scan.
func (p *Pipeline) Process(ctx context.Context, req Request) (Result, error) {
	j := job{req: req, reply: make(chan outcome, 1)}
	select {
	case p.jobs <- j:
	default:
		metrics.ScansDropped.Inc()
		return Result{}, ErrScanInFlight
	}
	select {
	case out := <-j.reply:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pipeline) process(ctx context.Context, req Request) outcome {
	mode := req.Mode
	if mode == "" {
		mode = event.ModeAuto
	}

	subjectID, err := p.resolver.Resolve(req.Raw)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("invalid").Inc()
		return outcome{err: err}
	}

	subj, err := p.dir.Get(ctx, subjectID)
	if errors.Is(err, directory.ErrSubjectUnknown) {
		// Presence must never be lost over a directory miss; a
		// placeholder stands in until the next preload.
		ph := directory.Placeholder(subjectID)
		if perr := p.dir.Put(ctx, ph); perr != nil {
			p.log.Warn("placeholder store failed", zap.String("subject_id", subjectID), zap.Error(perr))
		}
		subj = &ph
	} else if err != nil {
		return outcome{err: err}
	}

	day := event.DayOf(p.now())
	state := p.proj.StateFor(subjectID, day)
	eventType, err := presence.Resolve(state, mode)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("rejected").Inc()
		return outcome{err: err}
	}

	evt := event.New(subjectID, req.ActorID, eventType, event.OriginOnline, event.StatusPending)
	evt.GroupID = subj.GroupID
	evt.QRToken = subj.QRToken
	if evt.QRToken == "" {
		evt.QRToken = strings.TrimSpace(req.Raw)
	}

	if p.conn.Online() {
		res, err := p.submitLive(ctx, evt, mode)
		switch {
		case err == nil:
			// Another device may have raced on an auto scan; the central
			// system's verdict wins over the locally resolved type.
			if res.EventType != "" && res.EventType != evt.Type {
				p.log.Info("central system overrode event type",
					zap.String("event_id", evt.ID),
					zap.String("local", string(evt.Type)),
					zap.String("remote", string(res.EventType)),
				)
				evt.Type = res.EventType
			}
			evt.SyncStatus = event.StatusConfirmed
			if perr := p.proj.Record(evt); perr != nil {
				p.log.Warn("projection record failed", zap.Error(perr))
			}
			if p.hist != nil {
				if herr := p.hist.RecordConfirmed(ctx, evt); herr != nil {
					p.log.Warn("audit record failed", zap.String("event_id", evt.ID), zap.Error(herr))
				}
			}
			metrics.ScansTotal.WithLabelValues("confirmed").Inc()
			name := res.SubjectName
			if name == "" {
				name = subj.DisplayName
			}
			return outcome{res: Result{Event: evt, SubjectName: name}}
		case remote.IsRejection(err):
			// The central system is the final arbiter; its refusal is
			// shown at the point of scan, nothing is written.
			metrics.ScansTotal.WithLabelValues("rejected").Inc()
			return outcome{err: err}
		default:
			p.log.Warn("live submission failed, queuing", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}

	evt.Origin = event.OriginOfflineQueued
	evt.SyncStatus = event.StatusPending
	if _, err := p.q.Enqueue(ctx, evt); err != nil {
		return outcome{err: err}
	}
	if perr := p.proj.Record(evt); perr != nil {
		p.log.Warn("projection record failed", zap.Error(perr))
	}
	metrics.ScansTotal.WithLabelValues("queued").Inc()
	return outcome{res: Result{Event: evt, SubjectName: subj.DisplayName, Queued: true}}
}

func (p *Pipeline) submitLive(ctx context.Context, evt event.AttendanceEvent, mode event.Mode) (*remote.ScanResult, error) {
	sctx, cancel := context.WithTimeout(ctx, p.submitTimeout)
	defer cancel()
	return p.remote.SubmitScan(sctx, evt.QRToken, evt.ActorID, mode, evt.ID, evt.OccurredAt)
}
