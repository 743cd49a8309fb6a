package reconciler

import (
	"fmt"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
)

// Outcome describes what Advance decided for a single event.
type Outcome struct {
	Record  domain.CallRecord
	Changed bool
	// DropReason is set when the event was ignored on purpose (stale,
	// duplicate, or arriving after a terminal state). Useful for logging.
	DropReason string
}

// Advance applies one lifecycle event to a call record and returns the
// resulting record. It is a pure function: no clock reads, no I/O, and the
// same (record, event) pair always yields the same outcome. Timestamps come
// from the event itself.
//
// Terminal states are sticky. The only mutation allowed on a terminal record
// is backfilling a missing duration from a later provider report.
func Advance(record domain.CallRecord, ev domain.LifecycleEvent) Outcome {
	if record.Status.IsTerminal() {
		if wantsDuration(ev) && record.DurationSecs == 0 && ev.DurationSecs > 0 {
			record.DurationSecs = ev.DurationSecs
			return Outcome{Record: record, Changed: true}
		}
		return Outcome{Record: record, DropReason: fmt.Sprintf("call already %s", record.Status)}
	}

	switch ev.Kind {
	case domain.EventKindAccepted:
		if record.ExternalCallID == "" && ev.SourceCallID != "" {
			record.ExternalCallID = ev.SourceCallID
		}
		return transition(record, ev, domain.CallStatusRinging,
			domain.CallStatusQueued, domain.CallStatusInitiating)

	case domain.EventKindRinging:
		if record.Status == domain.CallStatusRinging {
			return Outcome{Record: record, DropReason: "already ringing"}
		}
		return transition(record, ev, domain.CallStatusRinging,
			domain.CallStatusQueued, domain.CallStatusInitiating)

	case domain.EventKindAnswered:
		if record.Status == domain.CallStatusAnswered || record.Status == domain.CallStatusConnected {
			return Outcome{Record: record, DropReason: "already answered"}
		}
		out := transition(record, ev, domain.CallStatusAnswered,
			domain.CallStatusQueued, domain.CallStatusInitiating, domain.CallStatusRinging)
		if out.Changed {
			ts := ev.Timestamp
			out.Record.StartedAt = &ts
		}
		return out

	case domain.EventKindCredentialAcquired:
		out := transition(record, ev, domain.CallStatusConnected, domain.CallStatusAnswered)
		if out.Changed {
			out.Record.SignedURL = ev.SignedURL
			if out.Record.StartedAt == nil {
				ts := ev.Timestamp
				out.Record.StartedAt = &ts
			}
		}
		return out

	case domain.EventKindCredentialFailed:
		// Only the answer flow acquires credentials; anywhere else this
		// event is out of order.
		if record.Status != domain.CallStatusAnswered {
			return Outcome{Record: record,
				DropReason: fmt.Sprintf("credential failure not applicable while %s", record.Status)}
		}
		return terminate(record, ev, domain.CallStatusFailed)

	case domain.EventKindHangupRequested:
		// Optimistic local termination; a later provider callback may
		// backfill the duration but never reopens the call.
		return terminate(record, ev, domain.CallStatusEnded)

	case domain.EventKindStreamStatus:
		return advanceStream(record, ev)

	case domain.EventKindTerminal:
		switch ev.TerminalStatus {
		case domain.CallStatusBusy, domain.CallStatusNoAnswer:
			// Only meaningful before the callee picked up.
			switch record.Status {
			case domain.CallStatusQueued, domain.CallStatusInitiating, domain.CallStatusRinging:
				return terminate(record, ev, ev.TerminalStatus)
			default:
				return Outcome{Record: record,
					DropReason: fmt.Sprintf("%s not applicable while %s", ev.TerminalStatus, record.Status)}
			}
		case domain.CallStatusEnded, domain.CallStatusFailed, domain.CallStatusCanceled:
			return terminate(record, ev, ev.TerminalStatus)
		default:
			return Outcome{Record: record,
				DropReason: fmt.Sprintf("unknown terminal status %q", ev.TerminalStatus)}
		}

	case domain.EventKindUnhandled:
		return Outcome{Record: record,
			DropReason: fmt.Sprintf("unhandled provider status %q", ev.RawStatus)}
	}

	return Outcome{Record: record, DropReason: fmt.Sprintf("unknown event kind %q", ev.Kind)}
}

func advanceStream(record domain.CallRecord, ev domain.LifecycleEvent) Outcome {
	switch ev.RawStatus {
	case "completed":
		return terminate(record, ev, domain.CallStatusEnded)
	case "failed":
		return terminate(record, ev, domain.CallStatusFailed)
	case "cancelled":
		// A torn-down stream after the call was live is a normal end; a
		// cancellation before media ever flowed means setup never finished.
		if record.Status == domain.CallStatusConnected {
			return terminate(record, ev, domain.CallStatusEnded)
		}
		out := terminate(record, ev, domain.CallStatusFailed)
		if out.Changed && out.Record.FailureReason == "" {
			out.Record.FailureReason = "media stream cancelled before setup completed"
		}
		return out
	default:
		return Outcome{Record: record,
			DropReason: fmt.Sprintf("unhandled stream event %q", ev.RawStatus)}
	}
}

func transition(record domain.CallRecord, ev domain.LifecycleEvent, next domain.CallStatus, valid ...domain.CallStatus) Outcome {
	for _, s := range valid {
		if record.Status == s {
			record.Status = next
			return Outcome{Record: record, Changed: true}
		}
	}
	return Outcome{Record: record,
		DropReason: fmt.Sprintf("cannot move %s -> %s", record.Status, next)}
}

// terminate moves the record into a terminal state, stamping the end time
// exactly once and scrubbing the signed URL so it can never be handed out
// after the call is over.
func terminate(record domain.CallRecord, ev domain.LifecycleEvent, status domain.CallStatus) Outcome {
	record.Status = status
	if record.EndedAt == nil {
		ts := ev.Timestamp
		record.EndedAt = &ts
	}
	if ev.DurationSecs > 0 {
		record.DurationSecs = ev.DurationSecs
	} else if record.DurationSecs == 0 && record.StartedAt != nil && record.EndedAt != nil {
		if d := record.EndedAt.Sub(*record.StartedAt); d > 0 {
			record.DurationSecs = int(d.Seconds())
		}
	}
	if ev.Reason != "" && record.FailureReason == "" && status != domain.CallStatusEnded {
		record.FailureReason = ev.Reason
	}
	record.SignedURL = ""
	return Outcome{Record: record, Changed: true}
}

func wantsDuration(ev domain.LifecycleEvent) bool {
	switch ev.Kind {
	case domain.EventKindTerminal:
		return ev.TerminalStatus == domain.CallStatusEnded
	case domain.EventKindStreamStatus:
		return true
	default:
		return false
	}
}
