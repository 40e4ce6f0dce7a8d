package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.
//
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName  xml.Name  `xml:"Dial"`
	CallerID string    `xml:"callerId,attr,omitempty"`
	Number   string    `xml:"Number,omitempty"`
	Sip      *twimlSip `xml:"Sip,omitempty"`
}

type twimlSip struct {
	URI string `xml:",chardata"`
}

// AnswerAction is what an answered outbound call should do next.
type AnswerAction string

const (
	AnswerActionBridge AnswerAction = "bridge"
	AnswerActionHangup AnswerAction = "hangup"
)

// AnswerInstruction is the provider-agnostic result of the answer webhook.
type AnswerInstruction struct {
	Action AnswerAction

	// BridgeTo is the agent endpoint, a sip: URI or an E.164 number.
	BridgeTo string
	CallerID string
}

// RenderTwiML maps an AnswerInstruction to TwiML.
func RenderTwiML(in AnswerInstruction) (string, error) {
	var r twimlResponse

	switch in.Action {
	case AnswerActionHangup:
		r.Verbs = append(r.Verbs, twimlHangup{})
	case AnswerActionBridge:
		if strings.TrimSpace(in.BridgeTo) == "" {
			return "", errors.New("telephony: bridge target required for bridge action")
		}
		d := twimlDial{CallerID: in.CallerID}
		// Prefer SIP if it looks like sip:... otherwise treat as a PSTN number.
		if strings.HasPrefix(strings.ToLower(in.BridgeTo), "sip:") {
			d.Sip = &twimlSip{URI: in.BridgeTo}
		} else {
			d.Number = in.BridgeTo
		}
		r.Verbs = append(r.Verbs, d)
	default:
		return "", errors.New("telephony: unknown answer action")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
