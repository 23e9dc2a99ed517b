package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/lilo-dev/lilo/internal/logging"
)

const (
	initialLineBuffer = 1024 * 1024
	maxLineBuffer     = 16 * 1024 * 1024
)

// Message is one event of the agent's response stream.
type Message interface {
	messageKind() string
}

// Block is one content block of an assistant message.
type Block interface {
	blockKind() string
}

// TextBlock is assistant text: reasoning out loud or talking to the user.
type TextBlock struct {
	Text string
}

// ThinkingBlock is extended-thinking output. It is decoded but not reported.
type ThinkingBlock struct {
	Thinking string
}

// ToolUseBlock is one tool invocation requested by the assistant.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// InputText renders the tool input as compact JSON text.
func (b ToolUseBlock) InputText() string {
	raw := strings.TrimSpace(string(b.Input))
	if raw == "" || raw == "null" {
		return "{}"
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, b.Input); err != nil {
		return raw
	}
	return compact.String()
}

// AssistantMessage carries the assistant's content blocks in emission order.
type AssistantMessage struct {
	Model           string
	Content         []Block
	ParentToolUseID string
}

// UserMessage is a tool result echoed back into the conversation.
type UserMessage struct {
	ParentToolUseID string
}

// SystemMessage is runtime metadata such as the init record.
type SystemMessage struct {
	Subtype   string
	SessionID string
	Model     string
}

// ResultMessage terminates a response stream.
type ResultMessage struct {
	Subtype      string
	IsError      bool
	SessionID    string
	TotalCostUSD *float64
	DurationMS   int64
	NumTurns     int
	Result       string
}

func (TextBlock) blockKind() string     { return "text" }
func (ThinkingBlock) blockKind() string { return "thinking" }
func (ToolUseBlock) blockKind() string  { return "tool_use" }

func (AssistantMessage) messageKind() string { return "assistant" }
func (UserMessage) messageKind() string      { return "user" }
func (SystemMessage) messageKind() string    { return "system" }
func (ResultMessage) messageKind() string    { return "result" }

type envelope struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	Model           string          `json:"model,omitempty"`
	Message         json.RawMessage `json:"message,omitempty"`
	ParentToolUseID *string         `json:"parent_tool_use_id,omitempty"`

	IsError      bool     `json:"is_error,omitempty"`
	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64    `json:"duration_ms,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	Result       string   `json:"result,omitempty"`
}

type assistantPayload struct {
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Decoder reads newline-delimited stream-json records into typed messages.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *log.Logger
}

// NewDecoder wraps the agent's stdout.
func NewDecoder(r io.Reader, logger *log.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineBuffer)
	if logger == nil {
		logger = logging.Discard()
	}
	return &Decoder{scanner: scanner, logger: logger}
}

// Next blocks until the next message is available. It returns io.EOF when the
// stream ends. Lines that are not JSON records, and record types this package
// does not model, are skipped.
func (d *Decoder) Next() (Message, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			d.logger.Debug("skipping non-json agent output", "line", truncate(line, 200), "err", err)
			continue
		}

		msg, err := decodeEnvelope(env)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			d.logger.Debug("skipping agent record", "type", env.Type, "subtype", env.Subtype)
			continue
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read agent stream: %w", err)
	}
	return nil, io.EOF
}

func decodeEnvelope(env envelope) (Message, error) {
	parent := ""
	if env.ParentToolUseID != nil {
		parent = *env.ParentToolUseID
	}

	switch env.Type {
	case "assistant":
		var payload assistantPayload
		if len(env.Message) > 0 {
			if err := json.Unmarshal(env.Message, &payload); err != nil {
				return nil, fmt.Errorf("decode assistant message: %w", err)
			}
		}
		return AssistantMessage{
			Model:           payload.Model,
			Content:         decodeBlocks(payload.Content),
			ParentToolUseID: parent,
		}, nil
	case "user":
		return UserMessage{ParentToolUseID: parent}, nil
	case "system":
		return SystemMessage{Subtype: env.Subtype, SessionID: env.SessionID, Model: env.Model}, nil
	case "result":
		return ResultMessage{
			Subtype:      env.Subtype,
			IsError:      env.IsError,
			SessionID:    env.SessionID,
			TotalCostUSD: env.TotalCostUSD,
			DurationMS:   env.DurationMS,
			NumTurns:     env.NumTurns,
			Result:       env.Result,
		}, nil
	default:
		return nil, nil
	}
}

func decodeBlocks(raw []contentBlock) []Block {
	blocks := make([]Block, 0, len(raw))
	for _, block := range raw {
		switch block.Type {
		case "text":
			blocks = append(blocks, TextBlock{Text: block.Text})
		case "thinking":
			blocks = append(blocks, ThinkingBlock{Thinking: block.Thinking})
		case "tool_use":
			blocks = append(blocks, ToolUseBlock{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	return blocks
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "...[truncated]"
}
