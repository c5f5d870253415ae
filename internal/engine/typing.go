package engine

import "context"

// SetTyping adds or removes the user from the conversation's typing set. A
// stateless two-operation primitive: debounce timing (typing=true on first
// keystroke, false after inactivity or on send) is the input component's
// concern, not the engine's.
func (e *Engine) SetTyping(ctx context.Context, convID string, typing bool) error {
	return e.store.SetTyping(ctx, convID, e.userID, typing)
}
