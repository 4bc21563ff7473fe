package calls

import "strings"

type outcome int

const (
	outcomeActive outcome = iota
	outcomeEnded
	outcomeFailed
)

// transition is what a reported status does to the controller
type transition struct {
	call          CallStatus
	session       SessionStatus
	startDuration bool
	outcome       outcome
}

// interpret maps a backend, socket or local status string onto a transition.
// Values come from three vocabularies (session status, poll status, socket
// call_state) and are normalized here.
func interpret(status string) (transition, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending", "calling", "initiated", "ringing":
		return transition{call: StatusRinging, session: SessionPending}, true
	case "accepted", "connecting":
		return transition{call: StatusConnecting, session: SessionAccepted}, true
	case "in-progress", "in_progress", "connected", "active":
		return transition{call: StatusConnected, session: SessionInProgress, startDuration: true}, true
	case "ai_active":
		return transition{call: StatusAIActive, session: SessionInProgress, startDuration: true}, true
	case "staffunit_active":
		return transition{call: StatusStaffUnitActive, session: SessionInProgress, startDuration: true}, true
	case "completed", "ended":
		return transition{call: StatusEnded, session: SessionCompleted, outcome: outcomeEnded}, true
	case "cancelled", "canceled":
		return transition{call: StatusEnded, session: SessionCancelled, outcome: outcomeEnded}, true
	case "failed", "error":
		return transition{call: StatusFailed, outcome: outcomeFailed}, true
	}
	return transition{}, false
}
