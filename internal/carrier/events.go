package carrier

import (
	"fmt"
	"net/url"
	"strconv"
)

// The carrier delivers loosely-typed form-encoded callbacks. Each kind is
// parsed into its own variant at the boundary; handlers never see raw forms.

// IncomingCall is the initial webhook for a new PSTN leg.
type IncomingCall struct {
	CallSid   string
	From      string
	To        string
	CallToken string
}

func ParseIncomingCall(form url.Values) (*IncomingCall, error) {
	ev := &IncomingCall{
		CallSid:   form.Get("CallSid"),
		From:      form.Get("From"),
		To:        form.Get("To"),
		CallToken: form.Get("CallToken"),
	}
	if ev.CallSid == "" {
		return nil, fmt.Errorf("incoming-call missing CallSid")
	}
	return ev, nil
}

// ConferenceEventKind enumerates mixer lifecycle callbacks.
type ConferenceEventKind string

const (
	ConferenceStart  ConferenceEventKind = "conference-start"
	ConferenceEnd    ConferenceEventKind = "conference-end"
	ParticipantJoin  ConferenceEventKind = "participant-join"
	ParticipantLeave ConferenceEventKind = "participant-leave"
)

// ConferenceEvent is a mixer status callback.
type ConferenceEvent struct {
	Kind             ConferenceEventKind
	ConferenceSid    string
	FriendlyName     string
	CallSid          string
	ParticipantLabel string
}

func ParseConferenceEvent(form url.Values) (*ConferenceEvent, error) {
	kind := ConferenceEventKind(form.Get("StatusCallbackEvent"))
	switch kind {
	case ConferenceStart, ConferenceEnd, ParticipantJoin, ParticipantLeave:
	default:
		return nil, fmt.Errorf("unknown conference event %q", form.Get("StatusCallbackEvent"))
	}
	return &ConferenceEvent{
		Kind:             kind,
		ConferenceSid:    form.Get("ConferenceSid"),
		FriendlyName:     form.Get("FriendlyName"),
		CallSid:          form.Get("CallSid"),
		ParticipantLabel: form.Get("ParticipantLabel"),
	}, nil
}

// StatusEvent is a per-leg status callback. CallDuration is only present on
// terminal statuses.
type StatusEvent struct {
	CallSid      string
	CallStatus   string
	CallDuration int
	AnsweredBy   string
	ErrorCode    string
	Timestamp    string
}

func ParseStatusEvent(form url.Values) (*StatusEvent, error) {
	ev := &StatusEvent{
		CallSid:    form.Get("CallSid"),
		CallStatus: form.Get("CallStatus"),
		AnsweredBy: form.Get("AnsweredBy"),
		ErrorCode:  form.Get("ErrorCode"),
		Timestamp:  form.Get("Timestamp"),
	}
	if ev.CallSid == "" {
		return nil, fmt.Errorf("status-callback missing CallSid")
	}
	if d := form.Get("CallDuration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return nil, fmt.Errorf("bad CallDuration %q: %w", d, err)
		}
		ev.CallDuration = n
	}
	return ev, nil
}

// Terminal reports whether the status ends the leg. Terminal statuses are
// authoritative for duration and cost.
func (e *StatusEvent) Terminal() bool {
	switch e.CallStatus {
	case "completed", "busy", "no-answer", "failed", "canceled":
		return true
	}
	return false
}

// Answered reports whether the leg was picked up (used for the
// human-answered barrier).
func (e *StatusEvent) Answered() bool {
	return e.CallStatus == "answered" || e.CallStatus == "in-progress"
}

// RecordingEvent reports a finished conference recording.
type RecordingEvent struct {
	RecordingSid    string
	RecordingURL    string
	RecordingStatus string
	ConferenceSid   string
}

func ParseRecordingEvent(form url.Values) (*RecordingEvent, error) {
	ev := &RecordingEvent{
		RecordingSid:    form.Get("RecordingSid"),
		RecordingURL:    form.Get("RecordingUrl"),
		RecordingStatus: form.Get("RecordingStatus"),
		ConferenceSid:   form.Get("ConferenceSid"),
	}
	if ev.RecordingSid == "" {
		return nil, fmt.Errorf("recording-status missing RecordingSid")
	}
	return ev, nil
}
