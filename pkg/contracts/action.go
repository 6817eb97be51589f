// Package contracts defines the wire-level data model shared by every Vorion
// component: intents, agents, trust posture, policies, decisions, audit
// records, and snapshots. Types here are plain values; behavior lives in the
// packages that own each concern.
package contracts

// ControlAction is the definitive outcome of a decision. Every Decision
// carries exactly one of the six actions; there is no null or unknown state.
type ControlAction string

const (
	ActionAllow     ControlAction = "allow"
	ActionDeny      ControlAction = "deny"
	ActionLimit     ControlAction = "limit"
	ActionMonitor   ControlAction = "monitor"
	ActionEscalate  ControlAction = "escalate"
	ActionTerminate ControlAction = "terminate"
)

// actionPriority orders actions from most to least restrictive. Lower is
// more restrictive: deny < terminate < escalate < limit < monitor < allow.
var actionPriority = map[ControlAction]int{
	ActionDeny:      0,
	ActionTerminate: 1,
	ActionEscalate:  2,
	ActionLimit:     3,
	ActionMonitor:   4,
	ActionAllow:     5,
}

// Valid reports whether a is one of the six control actions.
func (a ControlAction) Valid() bool {
	_, ok := actionPriority[a]
	return ok
}

// Priority returns the restrictiveness rank of a (0 = most restrictive).
// Unknown actions rank as most restrictive so a corrupted value can never
// widen access.
func (a ControlAction) Priority() int {
	p, ok := actionPriority[a]
	if !ok {
		return -1
	}
	return p
}

// MostRestrictive returns the lowest-priority action among actions.
// The zero value returned for an empty slice is ActionAllow.
func MostRestrictive(actions []ControlAction) ControlAction {
	if len(actions) == 0 {
		return ActionAllow
	}
	winner := actions[0]
	for _, a := range actions[1:] {
		if a.Priority() < winner.Priority() {
			winner = a
		}
	}
	return winner
}
