package tunnelstate

// transitions lists the allowed targets for every state. Moving into the error
// state is allowed from anywhere and is handled separately.
var transitions = map[StateKind][]StateKind{
	KindDisconnected:  {KindConnecting},
	KindConnecting:    {KindConnected, KindDisconnecting},
	KindConnected:     {KindReconnecting, KindDisconnecting},
	KindReconnecting:  {KindConnected, KindDisconnecting},
	KindDisconnecting: {KindDisconnected},
	KindError:         {KindDisconnecting, KindDisconnected},
}

// CanTransition reports whether the state machine allows moving from one
// state kind to another. Staying in the same non-error state is not a
// transition and reports false; replacing one error cause with another does.
func CanTransition(from, to StateKind) bool {
	if to == KindError {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
