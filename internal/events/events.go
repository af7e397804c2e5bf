// Package events publishes finished run reports on a NATS subject so other
// systems (dashboards, chat hooks) can follow the build without scraping
// logs.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/autobuild/internal/pipeline"
)

// RunEvent is the wire shape of a published run report.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	Outcome    string    `json:"outcome"`
	FailedStep string    `json:"failed_step,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Command    string    `json:"command,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	LogPath    string    `json:"log_path,omitempty"`
}

// FromReport builds the wire event for a report.
func FromReport(report *pipeline.Report) RunEvent {
	event := RunEvent{
		RunID:      report.RunID.String(),
		Outcome:    string(report.Outcome),
		FailedStep: report.FailedStep,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		DurationMS: report.Duration.Milliseconds(),
		LogPath:    report.LogPath,
	}
	if report.Failure != nil {
		event.ExitCode = report.Failure.ExitCode
		event.Command = report.Failure.Command
	}
	return event
}

// Publisher publishes run events on a NATS subject.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

var _ pipeline.Sink = (*Publisher)(nil)

// Connect dials the NATS server.
func Connect(url, subject string, logger *slog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("autobuild"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	logger.Info("Connected to NATS", slog.String("url", url), slog.String("subject", subject))
	return &Publisher{conn: conn, subject: subject, logger: logger}, nil
}

// Publish sends the report as JSON and flushes the connection, so short-lived
// runs do not drop the event on exit.
func (p *Publisher) Publish(ctx context.Context, report *pipeline.Report) error {
	data, err := json.Marshal(FromReport(report))
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	if err := p.flush(ctx); err != nil {
		return fmt.Errorf("flush run event: %w", err)
	}
	p.logger.Debug("Published run event",
		slog.String("subject", p.subject),
		slog.String("run_id", report.RunID.String()))
	return nil
}

func (p *Publisher) flush(ctx context.Context) error {
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		remain := time.Until(deadline)
		if remain <= 0 {
			return ctx.Err()
		}
		if remain < timeout {
			timeout = remain
		}
	}
	return p.conn.FlushTimeout(timeout)
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
