// Package remote is the HTTP client for the central school system. It
// owns the wire format of the collaborator endpoints and the split
// between transient failures (retried with backoff) and permanent
// rejections (terminal, surfaced to the operator).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"scangate/internal/directory"
	"scangate/internal/event"
)

// TransientError wraps timeouts, connection failures and 5xx responses.
// Entries failing this way stay in the queue and are retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient remote failure: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RejectionError is a semantic refusal by the central system, for
// example a duplicate-entry detected because another device already
// recorded the alternating event. Never retried.
type RejectionError struct {
	Reason      string
	SubjectName string
}

func (e *RejectionError) Error() string { return "remote rejection: " + e.Reason }

// ScanResult is the central system's answer to a recorded scan.
type ScanResult struct {
	EventType   event.Type `json:"eventType"`
	SubjectName string     `json:"subjectName"`
	RecordedAt  time.Time  `json:"recordedAt"`
}

// Stats are the aggregate counts shown on the operator dashboard.
type Stats struct {
	Entries int `json:"entries"`
	Exits   int `json:"exits"`
	Absent  int `json:"absent"`
}

// AbsenceCounts is the per-group result of a mark-absent call.
type AbsenceCounts struct {
	GroupID      string `json:"groupId"`
	TotalRoster  int    `json:"totalRoster"`
	PresentCount int    `json:"presentCount"`
	AbsentMarked int    `json:"absentMarked"`
}

// RemoteEvent is one event row from the daily-attendance listing.
type RemoteEvent struct {
	SubjectID   string     `json:"subjectId"`
	SubjectName string     `json:"subjectName"`
	EventType   event.Type `json:"eventType"`
	OccurredAt  time.Time  `json:"occurredAt"`
}

// Client calls the central system with bounded per-request timeouts.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a client. timeout bounds every submission; exceeding it
// is a transient failure.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// SubmitScan records one entry/exit with the central system. The
// client event id rides along so a replayed submission after a crash
// is idempotent remotely.
func (c *Client) SubmitScan(ctx context.Context, qrToken, actorID string, mode event.Mode, eventID string, occurredAt time.Time) (*ScanResult, error) {
	body := map[string]any{
		"subjectQrToken": qrToken,
		"actorId":        actorID,
		"eventMode":      string(mode),
		"clientEventId":  eventID,
	}
	if !occurredAt.IsZero() {
		body["occurredAt"] = occurredAt.Format(time.RFC3339)
	}
	var out struct {
		Success     bool       `json:"success"`
		Reason      string     `json:"reason"`
		EventType   event.Type `json:"eventType"`
		SubjectName string     `json:"subjectName"`
		RecordedAt  time.Time  `json:"recordedAt"`
	}
	if err := c.post(ctx, "/scan", body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &RejectionError{Reason: out.Reason, SubjectName: out.SubjectName}
	}
	return &ScanResult{EventType: out.EventType, SubjectName: out.SubjectName, RecordedAt: out.RecordedAt}, nil
}

// DailyAttendance lists today's events for the supervisor's groups,
// used to reseed the local projection after reconnecting.
func (c *Client) DailyAttendance(ctx context.Context, actorID string) ([]RemoteEvent, error) {
	var out struct {
		Events []RemoteEvent `json:"events"`
	}
	if err := c.get(ctx, "/daily-attendance?actorId="+url.QueryEscape(actorID), &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// EntryExitStats returns aggregate counts for the supervisor.
func (c *Client) EntryExitStats(ctx context.Context, actorID string) (*Stats, error) {
	var out Stats
	if err := c.get(ctx, "/entry-exit-stats?actorId="+url.QueryEscape(actorID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkAbsent asks the central system to record absentees for a group
// and date. The call is idempotent server-side per (group, date).
func (c *Client) MarkAbsent(ctx context.Context, actorID, groupID, date string) (*AbsenceCounts, error) {
	body := map[string]any{
		"actorId": actorID,
		"groupId": groupID,
		"date":    date,
	}
	var out AbsenceCounts
	if err := c.post(ctx, "/mark-absent", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subjects lists every subject visible to the station, for the
// directory preload.
func (c *Client) Subjects(ctx context.Context) ([]directory.Subject, error) {
	var out struct {
		Subjects []directory.Subject `json:"subjects"`
	}
	if err := c.get(ctx, "/subjects", &out); err != nil {
		return nil, err
	}
	return out.Subjects, nil
}

// Roster lists the enrolled subjects of one group.
func (c *Client) Roster(ctx context.Context, groupID string) ([]directory.Subject, error) {
	var out struct {
		Subjects []directory.Subject `json:"subjects"`
	}
	if err := c.get(ctx, "/roster?groupId="+url.QueryEscape(groupID), &out); err != nil {
		return nil, err
	}
	return out.Subjects, nil
}

// Health probes the central system. Used by the connectivity monitor.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &TransientError{Err: fmt.Errorf("central system unhealthy: %s", resp.Status)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("central system error: %s", resp.Status)}
	}
	if resp.StatusCode >= 400 {
		var rej struct {
			Reason string `json:"reason"`
			Error  string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &rej)
		reason := rej.Reason
		if reason == "" {
			reason = rej.Error
		}
		if reason == "" {
			reason = resp.Status
		}
		return &RejectionError{Reason: reason}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
