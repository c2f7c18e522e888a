package usage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/pagesync/core/pages"
)

type recordingListener struct {
	name string
	log  *[]string
}

func (r *recordingListener) record(event string) {
	*r.log = append(*r.log, r.name+event)
}

func (r *recordingListener) OnExternallyUsed(pages.Key)   { r.record("ext-used") }
func (r *recordingListener) OnExternallyUnused(pages.Key) { r.record("ext-unused") }
func (r *recordingListener) OnInternallyUsed(pages.Key)   { r.record("int-used") }
func (r *recordingListener) OnInternallyUnused(pages.Key) { r.record("int-unused") }

func testKey() pages.Key {
	return pages.Key{Ledger: "ledger", Page: pages.ID("0123456789abcdef")}
}

// TestFullCycleOrdering walks one complete usage cycle: a client connects,
// internal work runs and completes while the client is still there, then the
// client disconnects. The four notifications must arrive in order, each
// exactly once.
func TestFullCycleOrdering(t *testing.T) {
	var log []string
	l := &recordingListener{log: &log}
	n := NewConnectionNotifier(testKey(), []Listener{l})

	n.RegisterExternalRequest()
	tk := n.NewInternalRequestToken()
	tk.Done()
	n.UnregisterExternalRequests()

	require.Equal(t, []string{"ext-used", "int-used", "int-unused", "ext-unused"}, log)
}

// TestRepeatedRegisterNotifiesOnce verifies that additional connections while
// the page is already externally open do not produce extra notifications.
func TestRepeatedRegisterNotifiesOnce(t *testing.T) {
	var log []string
	l := &recordingListener{log: &log}
	n := NewConnectionNotifier(testKey(), []Listener{l})

	n.RegisterExternalRequest()
	n.RegisterExternalRequest()
	n.RegisterExternalRequest()
	n.UnregisterExternalRequests()

	require.Equal(t, []string{"ext-used", "ext-unused"}, log)
}

// TestUnusedWaitsForInternalDrain verifies that the externally-unused
// notification is deferred until the last internal token expires, and then
// fires after the internally-unused notification.
func TestUnusedWaitsForInternalDrain(t *testing.T) {
	var log []string
	l := &recordingListener{log: &log}
	n := NewConnectionNotifier(testKey(), []Listener{l})

	n.RegisterExternalRequest()
	tk := n.NewInternalRequestToken()
	n.UnregisterExternalRequests()
	require.Equal(t, []string{"ext-used", "int-used"}, log)

	tk.Done()
	require.Equal(t, []string{"ext-used", "int-used", "int-unused", "ext-unused"}, log)
}

// TestReopenBeforePendingUnused verifies that a client reconnecting while the
// unused notification is still pending resumes the open cycle without a
// second used notification.
func TestReopenBeforePendingUnused(t *testing.T) {
	var log []string
	l := &recordingListener{log: &log}
	n := NewConnectionNotifier(testKey(), []Listener{l})

	n.RegisterExternalRequest()
	tk := n.NewInternalRequestToken()
	n.UnregisterExternalRequests()
	n.RegisterExternalRequest()
	tk.Done()
	require.Equal(t, []string{"ext-used", "int-used", "int-unused"}, log)
	require.True(t, n.HasExternalRequests())

	n.UnregisterExternalRequests()
	require.Equal(t, []string{"ext-used", "int-used", "int-unused", "ext-unused"}, log)
}

// TestInternalOnlyCycle verifies usage accounting for pages touched only by
// background work, and that the notifier reports empty afterwards.
func TestInternalOnlyCycle(t *testing.T) {
	var log []string
	l := &recordingListener{log: &log}
	n := NewConnectionNotifier(testKey(), []Listener{l})

	empties := 0
	n.SetOnEmpty(func() { empties++ })

	tk := n.NewInternalRequestToken()
	require.False(t, n.IsDiscardable())
	tk.Done()

	require.Equal(t, []string{"int-used", "int-unused"}, log)
	require.Equal(t, 1, empties)
	require.True(t, n.IsDiscardable())
}

// TestOnEmptyFiresAfterFanOut verifies that the on-empty callback runs only
// after every listener has received the unused notification.
func TestOnEmptyFiresAfterFanOut(t *testing.T) {
	var log []string
	l1 := &recordingListener{name: "a:", log: &log}
	l2 := &recordingListener{name: "b:", log: &log}
	n := NewConnectionNotifier(testKey(), []Listener{l1, l2})
	n.SetOnEmpty(func() { log = append(log, "empty") })

	n.RegisterExternalRequest()
	n.UnregisterExternalRequests()

	require.Equal(t, []string{"a:ext-used", "b:ext-used", "a:ext-unused", "b:ext-unused", "empty"}, log)
}

// TestListenerMayDetachNotifier verifies that a listener tearing the notifier
// down mid fan-out stops further callbacks without corrupting state.
func TestListenerMayDetachNotifier(t *testing.T) {
	var log []string
	var n *ConnectionNotifier
	destroyer := &detachingListener{log: &log, notifier: func() *ConnectionNotifier { return n }}
	after := &recordingListener{name: "after:", log: &log}
	n = NewConnectionNotifier(testKey(), []Listener{destroyer, after})
	n.SetOnEmpty(func() { log = append(log, "empty") })

	n.RegisterExternalRequest()
	n.UnregisterExternalRequests()

	require.Equal(t, []string{"detach:ext-used", "after:ext-used", "detach:ext-unused"}, log)
}

type detachingListener struct {
	log      *[]string
	notifier func() *ConnectionNotifier
}

func (d *detachingListener) OnExternallyUsed(pages.Key) {
	*d.log = append(*d.log, "detach:ext-used")
}

func (d *detachingListener) OnExternallyUnused(pages.Key) {
	*d.log = append(*d.log, "detach:ext-unused")
	d.notifier().Detach()
}

func (d *detachingListener) OnInternallyUsed(pages.Key)   {}
func (d *detachingListener) OnInternallyUnused(pages.Key) {}

// TestListenerReopeningDuringUnusedFanOut verifies that a listener reacting
// to externally-unused by opening the page again starts a fresh cycle and
// suppresses the on-empty callback.
func TestListenerReopeningDuringUnusedFanOut(t *testing.T) {
	var log []string
	var n *ConnectionNotifier
	reopener := &reopeningListener{log: &log, notifier: func() *ConnectionNotifier { return n }}
	n = NewConnectionNotifier(testKey(), []Listener{reopener})
	n.SetOnEmpty(func() { log = append(log, "empty") })

	n.RegisterExternalRequest()
	n.UnregisterExternalRequests()

	require.Equal(t, []string{"ext-used", "ext-unused", "ext-used"}, log)
	require.True(t, n.HasExternalRequests())
	require.False(t, n.IsDiscardable())
}

type reopeningListener struct {
	log      *[]string
	notifier func() *ConnectionNotifier
	reopened bool
}

func (r *reopeningListener) OnExternallyUsed(pages.Key) {
	*r.log = append(*r.log, "ext-used")
}

func (r *reopeningListener) OnExternallyUnused(pages.Key) {
	*r.log = append(*r.log, "ext-unused")
	if !r.reopened {
		r.reopened = true
		r.notifier().RegisterExternalRequest()
	}
}

func (r *reopeningListener) OnInternallyUsed(pages.Key)   {}
func (r *reopeningListener) OnInternallyUnused(pages.Key) {}

// TestDetachedTokensAreInert verifies that tokens outstanding at Detach time
// expire without effect.
func TestDetachedTokensAreInert(t *testing.T) {
	var log []string
	l := &recordingListener{log: &log}
	n := NewConnectionNotifier(testKey(), []Listener{l})

	tk := n.NewInternalRequestToken()
	n.Detach()
	tk.Done()

	require.Equal(t, []string{"int-used"}, log)
}
