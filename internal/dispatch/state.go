package dispatch

// State is a step of one dispatch run.
//
//	start ─▶ attempt ─▶ … ─▶ attempt ─▶ proxy ─▶ done
//	  │                                   └────▶ local-exhausted
//	  └─▶ broadcast ─▶ awaiting-remote        (incapable terminal)
type State string

const (
	StateStart          State = "start"
	StateAttempt        State = "attempt"
	StateProxy          State = "backend-proxy-attempt"
	StateBroadcast      State = "broadcast"
	StateDone           State = "done"
	StateLocalExhausted State = "local-exhausted"
	StateAwaitingRemote State = "awaiting-remote-result"
	StateDenied         State = "capability-denied"
)

// Terminal reports whether a run stops in this state.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateLocalExhausted, StateAwaitingRemote, StateDenied:
		return true
	}
	return false
}
