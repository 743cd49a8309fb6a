package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// Minimal TwiML rendering for the answer-webhook directive. The provider
// blocks the live call on this response, so the rendered markup is the whole
// contract: either duplex the audio to the signed URL, or hang up.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// RenderStreamDirective tells the telephony leg to duplex its audio to the
// signed WebSocket URL. Pure rendering, no I/O.
func RenderStreamDirective(signedURL string) (string, error) {
	if strings.TrimSpace(signedURL) == "" {
		return "", errors.New("telephony: signed url required for stream directive")
	}
	return renderTwiML(twimlResponse{Verbs: []any{twimlConnect{Stream: twimlStream{URL: signedURL}}}})
}

// RenderHangupDirective is the safe fallback on any bridge failure: the leg
// must be told to hang up rather than left hanging.
func RenderHangupDirective() string {
	out, _ := renderTwiML(twimlResponse{Verbs: []any{twimlHangup{}}})
	return out
}

func renderTwiML(r twimlResponse) (string, error) {
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
