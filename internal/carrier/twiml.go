package carrier

import (
	"encoding/xml"
	"fmt"
)

// Participant labels used across TwiML and mixer events. The lifecycle
// coordinator matches termination signals against these.
const (
	LabelCustomer = "customer"
	LabelAgent    = "ai-agent"
	LabelHuman    = "human"
)

// Minimal TwiML surface the core emits: hold-into-conference and
// dial-a-human fallback. Rendered with encoding/xml so escaping is correct.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     *saySpec `xml:"Say,omitempty"`
	Dial    *dialSpec `xml:"Dial,omitempty"`
}

type saySpec struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type dialSpec struct {
	Conference *conferenceSpec `xml:"Conference,omitempty"`
	Number     string          `xml:"Number,omitempty"`
}

type conferenceSpec struct {
	Name                            string `xml:",chardata"`
	ParticipantLabel                string `xml:"participantLabel,attr,omitempty"`
	StartConferenceOnEnter          bool   `xml:"startConferenceOnEnter,attr"`
	EndConferenceOnExit             bool   `xml:"endConferenceOnExit,attr"`
	StatusCallback                  string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent             string `xml:"statusCallbackEvent,attr,omitempty"`
	Record                          string `xml:"record,attr,omitempty"`
	RecordingStatusCallback         string `xml:"recordingStatusCallback,attr,omitempty"`
	Beep                            string `xml:"beep,attr,omitempty"`
}

// HoldOptions configures the incoming-call response.
type HoldOptions struct {
	Greeting             string // brief "please hold" phrase
	ConferenceName       string
	EventCallbackURL     string // receives join/leave/start/end
	RecordingCallbackURL string
}

// HoldTwiML plays the hold phrase and places the caller into the named mixer
// with status callbacks registered for join/leave/end and recording
// completion. The caller ending the leg ends the conference.
func HoldTwiML(opts HoldOptions) string {
	r := twimlResponse{
		Say: &saySpec{Text: opts.Greeting},
		Dial: &dialSpec{
			Conference: &conferenceSpec{
				Name:                    opts.ConferenceName,
				ParticipantLabel:        LabelCustomer,
				StartConferenceOnEnter:  true,
				EndConferenceOnExit:     true,
				StatusCallback:          opts.EventCallbackURL,
				StatusCallbackEvent:     "start end join leave",
				Record:                  "record-from-start",
				RecordingStatusCallback: opts.RecordingCallbackURL,
				Beep:                    "false",
			},
		},
	}
	return render(r)
}

// FallbackTwiML routes the caller to a live human number after an apology
// phrase. Used on accept exhaustion and watchdog fallback. With no number
// configured it degrades to the apology alone — never dead air.
func FallbackTwiML(humanNumber string) string {
	r := twimlResponse{
		Say: &saySpec{Text: "Please hold while we connect you to our on-call staff."},
	}
	if humanNumber == "" {
		r.Say.Text = "We're sorry — we can't take your call right now. Please call back shortly."
	} else {
		r.Dial = &dialSpec{Number: humanNumber}
	}
	return render(r)
}

func render(r twimlResponse) string {
	out, err := xml.Marshal(r)
	if err != nil {
		// The structs are fully static; marshal cannot fail on them.
		return `<?xml version="1.0" encoding="UTF-8"?><Response/>`
	}
	return fmt.Sprintf("<?xml version=\"1.0\" encoding=\"UTF-8\"?>%s", out)
}
