// Package stream defines the newline-delimited JSON event protocol used to
// report tool-inference progress: one JSON object per line, discriminated by
// a "type" field. The variant set is closed; anything a decoder cannot place
// becomes a text fallback event so a stream never dies on one bad line.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Type discriminates event variants on the wire.
type Type string

const (
	TypeStatus        Type = "status"
	TypePlan          Type = "plan"
	TypeToolStart     Type = "tool_start"
	TypeToolResult    Type = "tool_result"
	TypeToolError     Type = "tool_error"
	TypeFinalResponse Type = "final_response"
	TypeError         Type = "error"

	// TypeText is the fallback variant for lines that do not decode or
	// carry an unknown discriminator.
	TypeText Type = "text"
)

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 1024 * 1024

// PlanStep is one entry of a plan event.
type PlanStep struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
}

// Event is one protocol message. Which fields are populated depends on Type:
// plan events carry Plan, tool events carry Tool/Step/Total and Output or
// Error, final_response carries Response, text carries Content.
type Event struct {
	Type     Type       `json:"type"`
	Message  string     `json:"message,omitempty"`
	Tool     string     `json:"tool,omitempty"`
	Step     int        `json:"step,omitempty"`
	Total    int        `json:"total,omitempty"`
	Plan     []PlanStep `json:"plan,omitempty"`
	Output   any        `json:"output,omitempty"`
	Error    string     `json:"error,omitempty"`
	Skipped  bool       `json:"skipped,omitempty"`
	Response string     `json:"response,omitempty"`
	Content  string     `json:"content,omitempty"`
}

// DecodeError describes a line that could not be decoded, or, with an empty
// Line, a failure reading the stream itself. It is reported to the callback
// given to Decode, never returned: a bad line degrades to a text event and
// the stream continues, while a read failure ends the stream with an error
// event.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("stream read failed: %v", e.Err)
	}
	return fmt.Sprintf("undecodable stream line %q: %v", truncate(e.Line, 80), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func knownType(t Type) bool {
	switch t {
	case TypeStatus, TypePlan, TypeToolStart, TypeToolResult, TypeToolError,
		TypeFinalResponse, TypeError, TypeText:
		return true
	}
	return false
}

// DecodeLine decodes one NDJSON line into an Event. Lines that are not JSON
// objects, or that carry an unknown type, come back as the text fallback
// variant together with a DecodeError describing why.
func DecodeLine(line []byte) (Event, *DecodeError) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{Type: TypeText, Content: string(line)},
			&DecodeError{Line: string(line), Err: err}
	}
	if !knownType(ev.Type) {
		return Event{Type: TypeText, Content: string(line)},
			&DecodeError{Line: string(line), Err: fmt.Errorf("unknown event type %q", ev.Type)}
	}
	return ev, nil
}

// Decode reads NDJSON events from r until EOF or ctx cancellation, sending
// them on the returned channel. Blank lines are skipped. onError, if
// non-nil, observes decode failures for logging; the corresponding fallback
// event is still delivered. A read failure, including a line exceeding the
// size limit, produces a terminal error event. The channel is closed when
// the stream ends.
func Decode(ctx context.Context, r io.Reader, onError func(*DecodeError)) <-chan Event {
	out := make(chan Event, 8)

	go func() {
		defer close(out)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			ev, decErr := DecodeLine(line)
			if decErr != nil && onError != nil {
				onError(decErr)
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}

		// A scan error means the stream broke, not that it ended: a reset
		// connection or a line over maxLineSize. Surface it as a terminal
		// error event so consumers never mistake truncation for completion.
		if err := scanner.Err(); err != nil {
			if onError != nil {
				onError(&DecodeError{Err: err})
			}
			select {
			case out <- Event{Type: TypeError, Error: fmt.Sprintf("stream read failed: %v", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out
}

// Encoder writes events as NDJSON.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one event as a single JSON line.
func (e *Encoder) Encode(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}
