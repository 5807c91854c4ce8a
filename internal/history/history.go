// Package history is the station-local audit log of confirmed events,
// kept in Postgres so operators can list attendance even while the
// central system is unreachable.
package history

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"scangate/internal/event"
)

// Repo persists confirmed events.
type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// RecordConfirmed appends a confirmed event. Idempotent on event id so
// a replayed confirmation after a crash does not duplicate rows.
func (r *Repo) RecordConfirmed(ctx context.Context, evt event.AttendanceEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_events (id, subject_id, group_id, actor_id, event_type, occurred_at, origin)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.SubjectID, evt.GroupID, evt.ActorID, string(evt.Type), evt.OccurredAt, string(evt.Origin))
	return err
}

// List returns confirmed events, newest first, with optional filters.
func (r *Repo) List(ctx context.Context, subjectID, groupID, day string, limit, offset int) ([]event.AttendanceEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, subject_id, group_id, actor_id, event_type, occurred_at, origin FROM attendance_events`
	var (
		clauses []string
		args    []any
	)
	if subjectID != "" {
		args = append(args, subjectID)
		clauses = append(clauses, "subject_id = $"+strconv.Itoa(len(args)))
	}
	if groupID != "" {
		args = append(args, groupID)
		clauses = append(clauses, "group_id = $"+strconv.Itoa(len(args)))
	}
	if day != "" {
		args = append(args, day)
		clauses = append(clauses, "occurred_at::date = $"+strconv.Itoa(len(args))+"::date")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit, offset)
	query += " ORDER BY occurred_at DESC LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.AttendanceEvent
	for rows.Next() {
		var evt event.AttendanceEvent
		var eventType, origin string
		if err := rows.Scan(&evt.ID, &evt.SubjectID, &evt.GroupID, &evt.ActorID, &eventType, &evt.OccurredAt, &origin); err != nil {
			return nil, err
		}
		evt.Type = event.Type(eventType)
		evt.Origin = event.Origin(origin)
		evt.SyncStatus = event.StatusConfirmed
		out = append(out, evt)
	}
	return out, rows.Err()
}
