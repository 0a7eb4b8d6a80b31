package core

// TrackedActions returns the number of liquidation and ADL actions the
// engine still holds.
func (e *Engine) TrackedActions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actions.Len()
}
