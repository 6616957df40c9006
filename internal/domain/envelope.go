package domain

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the frame variants exchanged through the relay.
// The relay itself inspects only Type (and Channel for joins); every other
// field is meaningful to the endpoints alone.
type FrameType string

const (
	FrameJoin    FrameType = "join"    // control: enter a channel
	FrameNotify  FrameType = "notify"  // advisory: progress, peer lifecycle, acks
	FrameCommand FrameType = "command" // gateway -> host
	FrameResult  FrameType = "result"  // host -> gateway, success
	FrameError   FrameType = "error"   // host -> gateway, failure
)

// Frame is the single wire envelope. Frames are UTF-8 JSON text messages.
type Frame struct {
	Type    FrameType `json:"type"`
	Channel string    `json:"channel,omitempty"` // join: target channel; notify: origin channel
	Peer    string    `json:"peer,omitempty"`    // notify: peer the notice is about
	Notice  string    `json:"notice,omitempty"`  // notify: human-readable text

	// Command correlation fields. ID ties a result or error frame back to
	// the command frame that caused it.
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`

	Progress *ProgressUpdate `json:"progress,omitempty"`
}

// CommandEnvelope is the request half of the command protocol.
type CommandEnvelope struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ResponseEnvelope is the reply half. Exactly one of Result or Error is set;
// exactly one envelope is produced per command id.
type ResponseEnvelope struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the only error shape that crosses the wire: a stable code plus
// a human-readable message naming the offending identifier. Never a stack trace.
type WireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (w *WireError) Error() string {
	return fmt.Sprintf("%s: %s", w.Code, w.Message)
}

// NewWireError converts an internal error into its wire form.
func NewWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	return &WireError{Code: ErrorCodeOf(err), Message: err.Error()}
}

// Err reconstructs an error from a wire error. The chain carries both the
// WireError (errors.As recovers the exact code) and its category sentinel
// (errors.Is matches as if the error had never crossed the wire).
func (w *WireError) Err(op string) error {
	sentinel := SentinelForCode(w.Code)
	if sentinel == nil {
		return fmt.Errorf("%s: %s", op, w.Message)
	}
	return &wireErr{op: op, wire: w, sentinel: sentinel}
}

type wireErr struct {
	op       string
	wire     *WireError
	sentinel error
}

func (e *wireErr) Error() string   { return fmt.Sprintf("%s: %s", e.op, e.wire.Error()) }
func (e *wireErr) Unwrap() []error { return []error{e.wire, e.sentinel} }

// NewJoinFrame builds the join control frame.
func NewJoinFrame(channel, peerName string) Frame {
	return Frame{Type: FrameJoin, Channel: channel, Peer: peerName}
}

// NewCommandFrame wraps a CommandEnvelope for the wire.
func NewCommandFrame(env CommandEnvelope) Frame {
	return Frame{Type: FrameCommand, ID: env.ID, Command: env.Command, Params: env.Params}
}

// NewResultFrame builds the success half of a ResponseEnvelope.
func NewResultFrame(id string, result json.RawMessage) Frame {
	return Frame{Type: FrameResult, ID: id, Result: result}
}

// NewErrorFrame builds the failure half of a ResponseEnvelope.
func NewErrorFrame(id string, err error) Frame {
	return Frame{Type: FrameError, ID: id, Error: NewWireError(err)}
}

// NewNotifyFrame builds an advisory frame.
func NewNotifyFrame(notice string) Frame {
	return Frame{Type: FrameNotify, Notice: notice}
}

// NewProgressFrame wraps a ProgressUpdate for the wire. The correlation id
// rides inside the update itself.
func NewProgressFrame(u ProgressUpdate) Frame {
	return Frame{Type: FrameNotify, Progress: &u}
}

// Response extracts the ResponseEnvelope from a result or error frame.
func (f Frame) Response() (ResponseEnvelope, bool) {
	switch f.Type {
	case FrameResult:
		return ResponseEnvelope{ID: f.ID, Result: f.Result}, true
	case FrameError:
		return ResponseEnvelope{ID: f.ID, Error: f.Error}, true
	default:
		return ResponseEnvelope{}, false
	}
}

// CommandEnvelope extracts the command from a command frame.
func (f Frame) CommandEnvelope() (CommandEnvelope, bool) {
	if f.Type != FrameCommand {
		return CommandEnvelope{}, false
	}
	return CommandEnvelope{ID: f.ID, Command: f.Command, Params: f.Params}, true
}
