package carrier

import (
	"strings"
	"testing"
)

func TestHoldTwiML(t *testing.T) {
	got := HoldTwiML(HoldOptions{
		Greeting:             "Please hold while I connect you.",
		ConferenceName:       "conf_CAhappy",
		EventCallbackURL:     "https://calls.example.com/conference-events",
		RecordingCallbackURL: "https://calls.example.com/recording-status",
	})

	for _, want := range []string{
		"<Say>Please hold while I connect you.</Say>",
		">conf_CAhappy</Conference>",
		`participantLabel="customer"`,
		`statusCallbackEvent="start end join leave"`,
		`statusCallback="https://calls.example.com/conference-events"`,
		`recordingStatusCallback="https://calls.example.com/recording-status"`,
		`endConferenceOnExit="true"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("HoldTwiML missing %q in:\n%s", want, got)
		}
	}
	if !strings.HasPrefix(got, `<?xml version="1.0" encoding="UTF-8"?>`) {
		t.Error("missing XML declaration")
	}
}

func TestFallbackTwiML(t *testing.T) {
	got := FallbackTwiML("+19095550111")
	if !strings.Contains(got, "<Number>+19095550111</Number>") {
		t.Errorf("FallbackTwiML missing dial number:\n%s", got)
	}
	if !strings.Contains(got, "<Say>") {
		t.Error("FallbackTwiML should include an apology phrase")
	}
}

func TestTwiMLEscaping(t *testing.T) {
	got := HoldTwiML(HoldOptions{
		Greeting:       `After-hours line for "Dr. <Smith> & Associates"`,
		ConferenceName: "conf_CA1",
	})
	if strings.Contains(got, "<Smith>") {
		t.Error("greeting text not XML-escaped")
	}
	if !strings.Contains(got, "&amp;") {
		t.Error("ampersand not escaped")
	}
}
