// Package notify is the side-effect boundary for operator
// notifications. Delivery channels (WhatsApp, email) live outside this
// engine; the shipped implementation logs.
package notify

import (
	"context"

	"go.uber.org/zap"

	"scangate/internal/event"
)

// Notifier receives the outcomes an operator must see.
type Notifier interface {
	// EventRejected is called when the central system permanently
	// refuses a queued event; the entry stays visible as an error.
	EventRejected(ctx context.Context, evt event.AttendanceEvent, reason string)
	// SweepCompleted summarizes an absence sweep for a group.
	SweepCompleted(ctx context.Context, groupID, date string, absentMarked int)
}

// Log is the default notifier: structured log lines only.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (n *Log) EventRejected(_ context.Context, evt event.AttendanceEvent, reason string) {
	n.log.Warn("event rejected by central system",
		zap.String("event_id", evt.ID),
		zap.String("subject_id", evt.SubjectID),
		zap.String("type", string(evt.Type)),
		zap.String("reason", reason),
	)
}

func (n *Log) SweepCompleted(_ context.Context, groupID, date string, absentMarked int) {
	n.log.Info("absence sweep completed",
		zap.String("group_id", groupID),
		zap.String("date", date),
		zap.Int("absent_marked", absentMarked),
	)
}
