// Package stream turns the agent's message stream into NDJSON progress records.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lilo-dev/lilo/internal/agent"
	"github.com/lilo-dev/lilo/internal/logging"
	"github.com/lilo-dev/lilo/internal/telemetry"
	"github.com/lilo-dev/lilo/internal/telemetry/invariants"
)

// Result statuses reported in the result record.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ThinkRecord is emitted per assistant text block.
type ThinkRecord struct {
	Type    string  `json:"type"`
	Content string  `json:"content"`
	T       float64 `json:"t"`
	DT      float64 `json:"dt"`
}

// ToolRecord is emitted per assistant tool invocation.
type ToolRecord struct {
	Type  string  `json:"type"`
	Tool  string  `json:"tool"`
	Input string  `json:"input"`
	T     float64 `json:"t"`
	DT    float64 `json:"dt"`
}

// ResultRecord is emitted once for the terminal result.
type ResultRecord struct {
	Type      string   `json:"type"`
	Status    string   `json:"status"`
	Cost      *float64 `json:"cost"`
	SessionID *string  `json:"session_id"`
	DurationS float64  `json:"duration_s"`
}

// Source yields agent messages until io.EOF.
type Source interface {
	Next() (agent.Message, error)
}

// SessionSaver persists the session id of a finished run.
type SessionSaver interface {
	Save(id string) error
	Path() string
}

type flusher interface {
	Flush() error
}

// Summary describes how a consumed stream ended.
type Summary struct {
	Result   *agent.ResultMessage
	Status   string
	Records  int
	Duration time.Duration
}

// Consumer writes one JSON record per line for each reported event.
type Consumer struct {
	out     io.Writer
	encoder *json.Encoder
	store   SessionSaver
	logger  *log.Logger
	now     func() time.Time

	started time.Time
	last    time.Time
	lastT   float64
}

// NewConsumer writes records to out and persists session ids through store.
func NewConsumer(out io.Writer, store SessionSaver, logger *log.Logger) (*Consumer, error) {
	if out == nil {
		return nil, errors.New("output writer is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	encoder := json.NewEncoder(out)
	encoder.SetEscapeHTML(false)
	return &Consumer{
		out:     out,
		encoder: encoder,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Start marks the run start that t values are measured from.
func (c *Consumer) Start() {
	c.started = c.now()
	c.last = c.started
	c.lastT = 0
}

// Consume reads src in emission order until the terminal result or the end of
// the stream. Timing is taken once per message, so all blocks of one message
// share t and dt.
func (c *Consumer) Consume(ctx context.Context, src Source) (Summary, error) {
	if src == nil {
		return Summary{}, errors.New("message source is required")
	}
	if c.started.IsZero() {
		c.Start()
	}
	run := telemetry.AgentRunFromContext(ctx)

	summary := Summary{}
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		msg, err := src.Next()
		if errors.Is(err, io.EOF) {
			summary.Duration = c.now().Sub(c.started)
			return summary, nil
		}
		if err != nil {
			return summary, err
		}

		t, dt := c.tick(ctx)
		switch m := msg.(type) {
		case agent.AssistantMessage:
			for _, block := range m.Content {
				switch b := block.(type) {
				case agent.TextBlock:
					run.RecordText()
					if err := c.emit(ThinkRecord{Type: "think", Content: b.Text, T: t, DT: dt}); err != nil {
						return summary, err
					}
					summary.Records++
				case agent.ToolUseBlock:
					run.RecordToolUse(b.Name)
					if err := c.emit(ToolRecord{Type: "tool", Tool: b.Name, Input: b.InputText(), T: t, DT: dt}); err != nil {
						return summary, err
					}
					summary.Records++
				}
			}
		case agent.ResultMessage:
			status, err := c.handleResult(ctx, m)
			if err != nil {
				return summary, err
			}
			summary.Records++
			summary.Result = &m
			summary.Status = status
			summary.Duration = c.now().Sub(c.started)
			return summary, nil
		case agent.SystemMessage:
			if m.Subtype == "init" {
				c.logger.Debug("agent session started", "session_id", m.SessionID, "model", m.Model)
			}
		}
	}
}

func (c *Consumer) handleResult(ctx context.Context, result agent.ResultMessage) (string, error) {
	status := StatusSuccess
	if result.IsError {
		status = StatusError
	}
	c.logger.Info("session finished", "session_id", result.SessionID, "status", status)

	record := ResultRecord{
		Type:      "result",
		Status:    status,
		Cost:      result.TotalCostUSD,
		DurationS: round1(c.now().Sub(c.started).Seconds()),
	}
	if result.SessionID != "" {
		id := result.SessionID
		record.SessionID = &id
		c.persistSession(ctx, id)
	}
	if err := c.emit(record); err != nil {
		return status, err
	}
	return status, nil
}

// persistSession saves the id best-effort: a failure is logged, never returned.
func (c *Consumer) persistSession(ctx context.Context, id string) {
	if c.store == nil {
		return
	}
	err := c.store.Save(id)
	if !invariants.CheckSessionPersisted(ctx, "stream.Consumer.persistSession", c.store.Path(), err) {
		c.logger.Warn("failed to save session id", "path", c.store.Path(), "err", err)
		return
	}
	c.logger.Info("session id saved", "path", c.store.Path())
}

// tick returns seconds since start and since the previous message, rounded to
// one decimal. t never decreases, even if the clock does.
func (c *Consumer) tick(ctx context.Context) (float64, float64) {
	now := c.now()
	t := round1(now.Sub(c.started).Seconds())
	dt := round1(now.Sub(c.last).Seconds())
	c.last = now

	if !invariants.CheckEventTimeMonotonic(ctx, "stream.Consumer.tick", c.lastT, t) {
		t = c.lastT
	}
	if dt < 0 {
		dt = 0
	}
	c.lastT = t
	return t, dt
}

func (c *Consumer) emit(record any) error {
	if err := c.encoder.Encode(record); err != nil {
		return fmt.Errorf("write event record: %w", err)
	}
	if w, ok := c.out.(flusher); ok {
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush event record: %w", err)
		}
	}
	return nil
}

func round1(seconds float64) float64 {
	return math.Round(seconds*10) / 10
}
