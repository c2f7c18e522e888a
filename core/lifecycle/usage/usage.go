// Package usage tracks who is using a page. External users are client
// connections; internal users are background operations such as predicate
// checks and sync probes holding keep-alive tokens. Interested components
// observe transitions through the Listener interface.
package usage

import (
	"github.com/sushant-115/pagesync/core/lifecycle/token"
	"github.com/sushant-115/pagesync/core/pages"
)

// Listener receives page usage transitions. Implementations must tolerate
// callbacks arriving while one of their own calls into the notifier is still
// on the stack; a callback may even tear the notifying page down.
type Listener interface {
	// OnExternallyUsed fires when the first client connects to a page that
	// had no external user.
	OnExternallyUsed(key pages.Key)
	// OnExternallyUnused fires after the last client has disconnected and
	// all internal work on the page has drained.
	OnExternallyUnused(key pages.Key)
	// OnInternallyUsed fires when the page acquires its first internal
	// keep-alive token.
	OnInternallyUsed(key pages.Key)
	// OnInternallyUnused fires when the last internal token expires.
	OnInternallyUnused(key pages.Key)
}

// externalState is the external notification cycle of a page. The illegal
// combination "unused notification pending but nobody ever connected" is
// unrepresentable.
type externalState int

const (
	// stateIdle: no external user and no pending unused notification.
	stateIdle externalState = iota
	// stateOpen: externally open, the used notification has been sent.
	stateOpen
	// stateClosing: externally closed, the unused notification has not
	// fired yet because internal work is still draining.
	stateClosing
)

// ConnectionNotifier performs usage accounting for one page and fans
// transitions out to a fixed set of listeners. It is confined to the owning
// dispatch queue.
type ConnectionNotifier struct {
	key       pages.Key
	listeners []Listener

	tokens   *token.Manager
	state    externalState
	internal int

	onEmpty  func()
	detached bool
}

// NewConnectionNotifier creates a notifier for the given page. The listener
// list is fixed for the notifier's lifetime.
func NewConnectionNotifier(key pages.Key, listeners []Listener) *ConnectionNotifier {
	n := &ConnectionNotifier{
		key:       key,
		listeners: listeners,
		tokens:    token.NewManager(),
	}
	n.tokens.SetOnDiscardable(n.checkEmpty)
	return n
}

// SetOnEmpty registers the callback fired whenever the notifier becomes
// fully unused: no external user, no internal tokens, no notification in
// flight. The callback may destroy the notifier's owner.
func (n *ConnectionNotifier) SetOnEmpty(f func()) {
	n.onEmpty = f
}

// RegisterExternalRequest records one more client connection. Only the first
// registration of an open cycle notifies listeners; re-registering while the
// unused notification is still pending resumes the previous cycle silently.
func (n *ConnectionNotifier) RegisterExternalRequest() {
	if n.detached || n.state == stateOpen {
		return
	}
	if n.state == stateClosing {
		n.state = stateOpen
		return
	}
	n.state = stateOpen
	for _, l := range n.listeners {
		l.OnExternallyUsed(n.key)
		if n.detached {
			return
		}
	}
}

// UnregisterExternalRequests records that every client connection is gone,
// then re-evaluates emptiness. The unused notification fires only once
// internal work has drained too.
func (n *ConnectionNotifier) UnregisterExternalRequests() {
	if n.detached || n.state != stateOpen {
		return
	}
	n.state = stateClosing
	n.checkEmpty()
}

// HasExternalRequests reports whether the page is externally open.
func (n *ConnectionNotifier) HasExternalRequests() bool {
	return n.state == stateOpen
}

// NewInternalRequestToken hands out a keep-alive token for background work on
// the page. The page counts as used until the token expires.
func (n *ConnectionNotifier) NewInternalRequestToken() *token.Token {
	if n.detached {
		return token.New(nil)
	}
	counted := n.tokens.CreateToken()
	n.internal++
	if n.internal == 1 {
		for _, l := range n.listeners {
			l.OnInternallyUsed(n.key)
			if n.detached {
				break
			}
		}
	}
	return token.New(func() {
		if n.detached {
			return
		}
		n.internal--
		if n.internal == 0 {
			for _, l := range n.listeners {
				l.OnInternallyUnused(n.key)
				if n.detached {
					return
				}
			}
		}
		counted.Done()
	})
}

// IsDiscardable reports whether the notifier is fully unused with no
// notification in flight.
func (n *ConnectionNotifier) IsDiscardable() bool {
	return n.state == stateIdle && n.internal == 0 && n.tokens.IsDiscardable()
}

// Detach neutralizes the notifier during owner teardown. Pending tokens
// become no-ops and no further listener calls are made.
func (n *ConnectionNotifier) Detach() {
	n.detached = true
	n.onEmpty = nil
	n.tokens.Detach()
}

// checkEmpty fires the pending unused notification once external and
// internal usage have both drained, then, if still empty, the on-empty
// callback. The notifier holds a token on itself across the fan-out so that
// a listener draining the last internal token cannot trigger teardown before
// the fan-out finishes; expiry of that token re-enters checkEmpty for the
// final emptiness decision.
func (n *ConnectionNotifier) checkEmpty() {
	if n.detached || n.state == stateOpen || n.internal > 0 {
		return
	}
	if n.state == stateClosing {
		self := n.tokens.CreateToken()
		n.state = stateIdle
		for _, l := range n.listeners {
			l.OnExternallyUnused(n.key)
			if n.detached {
				return
			}
		}
		self.Done()
		return
	}
	if n.tokens.IsDiscardable() && n.onEmpty != nil {
		n.onEmpty()
	}
}
