package realtime

import (
	"encoding/json"
	"fmt"
)

// Event is one message from the realtime event stream, parsed into a typed
// variant at the boundary.
type Event interface {
	eventType() string
}

type SessionCreated struct{}

func (SessionCreated) eventType() string { return "session.created" }

// SessionUpdated acknowledges the session config — the session-ready signal.
type SessionUpdated struct{}

func (SessionUpdated) eventType() string { return "session.updated" }

type ResponseDone struct {
	Status string
}

func (ResponseDone) eventType() string { return "response.done" }

// InputTranscriptionCompleted carries a finished caller-utterance transcript.
type InputTranscriptionCompleted struct {
	Transcript string
}

func (InputTranscriptionCompleted) eventType() string {
	return "conversation.item.input_audio_transcription.completed"
}

// OutputTranscriptDone carries a finished agent-utterance transcript.
type OutputTranscriptDone struct {
	Transcript string
}

func (OutputTranscriptDone) eventType() string { return "response.output_audio_transcript.done" }

// Disconnected reports the agent side of the call ended.
type Disconnected struct{}

func (Disconnected) eventType() string { return "realtime.call.disconnected" }

// ErrorEvent is an error frame from the stream.
type ErrorEvent struct {
	Code    string
	Message string
}

func (ErrorEvent) eventType() string { return "error" }

// nonFatalErrorCodes are stream errors the agent survives; anything else
// ends the session.
var nonFatalErrorCodes = map[string]bool{
	"cannot_update_voice":                     true,
	"unknown_parameter":                       true,
	"conversation_already_has_active_response": true,
}

// NonFatal reports whether the agent continues after this error.
func (e ErrorEvent) NonFatal() bool {
	return nonFatalErrorCodes[e.Code]
}

// UnknownEvent preserves stream messages we don't model; they are ignored.
type UnknownEvent struct {
	Type string
}

func (e UnknownEvent) eventType() string { return e.Type }

// ParseEvent decodes one stream frame into its typed variant.
func ParseEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case "session.created":
		return SessionCreated{}, nil
	case "session.updated":
		return SessionUpdated{}, nil
	case "response.done":
		var body struct {
			Response struct {
				Status string `json:"status"`
			} `json:"response"`
		}
		_ = json.Unmarshal(data, &body)
		return ResponseDone{Status: body.Response.Status}, nil
	case "conversation.item.input_audio_transcription.completed":
		var body struct {
			Transcript string `json:"transcript"`
		}
		_ = json.Unmarshal(data, &body)
		return InputTranscriptionCompleted{Transcript: body.Transcript}, nil
	case "response.output_audio_transcript.done":
		var body struct {
			Transcript string `json:"transcript"`
		}
		_ = json.Unmarshal(data, &body)
		return OutputTranscriptDone{Transcript: body.Transcript}, nil
	case "realtime.call.disconnected":
		return Disconnected{}, nil
	case "error":
		var body struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(data, &body)
		return ErrorEvent{Code: body.Error.Code, Message: body.Error.Message}, nil
	default:
		return UnknownEvent{Type: head.Type}, nil
	}
}
