// Package token implements keep-alive accounting for lifecycle objects. A
// Manager counts outstanding tokens; holders signal completion by calling
// Done exactly like closing a handle, and the manager reports itself
// discardable each time its count returns to zero.
//
// Managers and tokens are confined to the owning dispatch queue and are not
// safe for concurrent use.
package token

// Token is a scoped handle that runs a single registered action when done.
// The action runs at most once no matter how many times Done is called.
type Token struct {
	action func()
}

// New creates a standalone token around the given action.
func New(action func()) *Token {
	return &Token{action: action}
}

// Done expires the token. Only the first call has any effect.
func (t *Token) Done() {
	if t.action == nil {
		return
	}
	action := t.action
	t.action = nil
	action()
}

// Manager hands out tokens and tracks how many are outstanding.
type Manager struct {
	outstanding   int
	dead          bool
	onDiscardable func()
}

// NewManager returns an empty manager. An empty manager is discardable.
func NewManager() *Manager {
	return &Manager{}
}

// SetOnDiscardable registers the callback fired each time the outstanding
// count drops back to zero. The callback may tear down the manager's owner;
// the manager touches no state after invoking it.
func (m *Manager) SetOnDiscardable(f func()) {
	m.onDiscardable = f
}

// CreateToken returns a token counted against this manager.
func (m *Manager) CreateToken() *Token {
	m.outstanding++
	return New(func() {
		if m.dead {
			return
		}
		m.outstanding--
		if m.outstanding == 0 && m.onDiscardable != nil {
			m.onDiscardable()
		}
	})
}

// IsDiscardable reports whether no tokens are outstanding.
func (m *Manager) IsDiscardable() bool {
	return m.outstanding == 0
}

// Detach neutralizes the manager: tokens still outstanding become no-ops and
// the discardable callback never fires again. Owners call this during
// teardown so that stragglers completing later cannot touch freed state.
func (m *Manager) Detach() {
	m.dead = true
	m.onDiscardable = nil
}
