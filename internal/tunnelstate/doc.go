// Package tunnelstate defines the tunnel state machine and the closed
// taxonomy of failure causes reported to users.
//
// TunnelState, ErrorStateCause, AuthFailedError and ParameterGenerationError
// are closed sets. Consumers switch over their Kind exhaustively; adding a
// variant means touching every switch in the module.
//
// Classify maps low-level failure signals (sentinel errors from this package,
// typed errors, and errors carrying a control-plane error code) onto exactly
// one ErrorStateCause. It is pure and has no side effects.
package tunnelstate
