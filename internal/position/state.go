package position

// State is one node of the position lifecycle.
type State string

const (
	StateNone             State = "none"
	StateOpening          State = "opening"
	StateOpen             State = "open"
	StateClosing          State = "closing"
	StateClosed           State = "closed"
	StateFailed           State = "failed"
	StateLiquidated       State = "liquidated"
	StateClosedReconciled State = "closed_reconciled"
)

// legalTransitions is the complete transition table. Anything absent is
// illegal and must be refused without mutating the position.
var legalTransitions = map[State]map[State]bool{
	StateNone: {
		StateOpening: true,
	},
	StateOpening: {
		StateOpen:   true,
		StateFailed: true,
	},
	StateOpen: {
		StateClosing:          true,
		StateLiquidated:       true,
		StateClosedReconciled: true,
	},
	StateClosing: {
		StateClosed:           true,
		StateLiquidated:       true,
		StateClosedReconciled: true,
	},
	StateFailed: {
		StateOpening: true, // retry is allowed
	},
}

// CanTransitionTo reports whether moving to next is legal from s.
func (s State) CanTransitionTo(next State) bool {
	return legalTransitions[s][next]
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateLiquidated || s == StateClosedReconciled
}

// Active reports whether the position holds or is acquiring exposure.
func (s State) Active() bool {
	return s == StateOpening || s == StateOpen || s == StateClosing
}
