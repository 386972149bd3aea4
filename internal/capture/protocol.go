package capture

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Code identifies a record emitted by the capture helper on stdout.
type Code string

const (
	CodeStreamStarted     Code = "STREAM_STARTED"
	CodeStreamFailed      Code = "STREAM_FAILED"
	CodeAudioData         Code = "AUDIO_DATA"
	CodeRecordingStarted  Code = "RECORDING_STARTED"
	CodeRecordingStopped  Code = "RECORDING_STOPPED"
	CodePermissionGranted Code = "PERMISSION_GRANTED"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
)

// Event is one line-delimited JSON record from the helper's output stream.
type Event struct {
	Code      Code   `json:"code"`
	Data      string `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
	Path      string `json:"path,omitempty"`
}

// ParseLine decodes a single helper output line. A line that is not a JSON
// object with a non-empty code is an error; callers log and skip it.
func ParseLine(line []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(line, &evt); err != nil {
		return Event{}, fmt.Errorf("parse helper record: %w", err)
	}
	if evt.Code == "" {
		return Event{}, fmt.Errorf("helper record missing code")
	}
	return evt, nil
}

// DecodePayload base64-decodes the data field of an AUDIO_DATA record.
func (e Event) DecodePayload() ([]byte, error) {
	if e.Code != CodeAudioData {
		return nil, fmt.Errorf("record %s carries no audio payload", e.Code)
	}
	raw, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return raw, nil
}
