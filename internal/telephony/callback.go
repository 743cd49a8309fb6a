package telephony

import (
	"net/http"
	"strconv"
	"time"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
)

// Stream sub-statuses carried inside a stream-status event. The reconciler
// interprets "cancelled" by the call's current state, so the parser only
// normalizes the wording.
const (
	StreamStatusCompleted = "completed"
	StreamStatusCancelled = "cancelled"
	StreamStatusFailed    = "failed"
)

// CallbackForm is the subset of provider callback fields the dashboard cares
// about. The provider delivers either a form-encoded POST or a query-string
// GET depending on the webhook; values land in the same places either way.
type CallbackForm struct {
	Token          string
	CallSid        string
	CallStatus     string
	CallDuration   string
	ErrorCode      string
	ErrorMessage   string
	StreamEvent    string
	StreamError    string
	DisconnectedBy string
}

// ParseCallbackRequest extracts callback fields from an inbound webhook
// request, accepting both delivery shapes.
func ParseCallbackRequest(r *http.Request) (CallbackForm, error) {
	if err := r.ParseForm(); err != nil {
		return CallbackForm{}, err
	}
	// r.Form merges query string and POST body; POST values win.
	get := func(key string) string {
		if v := r.PostFormValue(key); v != "" {
			return v
		}
		return r.URL.Query().Get(key)
	}
	return CallbackForm{
		Token:          get("token"),
		CallSid:        get("CallSid"),
		CallStatus:     get("CallStatus"),
		CallDuration:   get("CallDuration"),
		ErrorCode:      get("ErrorCode"),
		ErrorMessage:   get("ErrorMessage"),
		StreamEvent:    get("StreamEvent"),
		StreamError:    get("StreamError"),
		DisconnectedBy: get("DisconnectedBy"),
	}, nil
}

// NormalizeCallback maps provider-specific status strings onto the canonical
// lifecycle event. Unrecognized statuses come back as EventKindUnhandled; the
// reconciler logs and ignores them, never errors.
func NormalizeCallback(form CallbackForm) domain.LifecycleEvent {
	ev := domain.LifecycleEvent{
		RawStatus:    form.CallStatus,
		SourceCallID: form.CallSid,
		Timestamp:    time.Now(),
	}

	if form.StreamEvent != "" {
		return normalizeStreamEvent(form, ev)
	}

	switch form.CallStatus {
	case "queued", "initiated":
		ev.Kind = domain.EventKindAccepted
	case "ringing":
		ev.Kind = domain.EventKindRinging
	case "answered", "in-progress":
		ev.Kind = domain.EventKindAnswered
	case "completed":
		ev.Kind = domain.EventKindTerminal
		ev.TerminalStatus = domain.CallStatusEnded
		ev.DurationSecs = parseDuration(form.CallDuration)
	case "busy":
		ev.Kind = domain.EventKindTerminal
		ev.TerminalStatus = domain.CallStatusBusy
	case "no-answer":
		ev.Kind = domain.EventKindTerminal
		ev.TerminalStatus = domain.CallStatusNoAnswer
	case "canceled":
		ev.Kind = domain.EventKindTerminal
		ev.TerminalStatus = domain.CallStatusCanceled
	case "failed":
		ev.Kind = domain.EventKindTerminal
		ev.TerminalStatus = domain.CallStatusFailed
		ev.Reason = failureDetail(form)
	default:
		ev.Kind = domain.EventKindUnhandled
	}
	return ev
}

func normalizeStreamEvent(form CallbackForm, ev domain.LifecycleEvent) domain.LifecycleEvent {
	ev.Kind = domain.EventKindStreamStatus
	ev.RawStatus = form.StreamEvent
	ev.DisconnectedBy = form.DisconnectedBy
	ev.DurationSecs = parseDuration(form.CallDuration)

	switch form.StreamEvent {
	case "stream-stopped", "stream-completed", "completed":
		ev.RawStatus = StreamStatusCompleted
	case "stream-cancelled", "cancelled":
		ev.RawStatus = StreamStatusCancelled
	case "stream-error", "stream-failed", "failed":
		ev.RawStatus = StreamStatusFailed
		ev.Reason = form.StreamError
		if ev.Reason == "" {
			ev.Reason = "audio stream failed"
		}
	default:
		ev.Kind = domain.EventKindUnhandled
	}
	return ev
}

func failureDetail(form CallbackForm) string {
	switch {
	case form.ErrorMessage != "":
		return form.ErrorMessage
	case form.ErrorCode != "":
		return "provider error " + form.ErrorCode
	default:
		return "call failed"
	}
}

func parseDuration(raw string) int {
	if raw == "" {
		return 0
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return n
	}
	return 0
}
