package fanout

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/feedhub/src/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	lines   chan string
	block   chan struct{}
	fail    bool
	closeMu sync.Mutex
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{lines: make(chan string, 1024)}
}

func (c *fakeConn) WriteLine(line []byte, deadline time.Time) error {
	if c.block != nil {
		<-c.block
	}
	if c.fail {
		return errors.New("broken pipe")
	}
	c.lines <- string(line)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

func receive(t *testing.T, c *fakeConn) string {
	select {
	case l := <-c.lines:
		return l
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for line")
		return ""
	}
}

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := NewBroadcaster(16, time.Second, common.NewTestEntry(t, "fanout"))
	defer b.Close()

	c1, c2 := newFakeConn(), newFakeConn()
	b.Register(c1, "a")
	b.Register(c2, "b")

	for _, l := range []string{"one", "two", "three"} {
		b.Publish([]byte(l))
	}

	for _, c := range []*fakeConn{c1, c2} {
		assert.Equal(t, "one", receive(t, c))
		assert.Equal(t, "two", receive(t, c))
		assert.Equal(t, "three", receive(t, c))
	}
	assert.EqualValues(t, 3, b.Published())
}

func TestBroadcasterNoReplay(t *testing.T) {
	b := NewBroadcaster(16, time.Second, common.NewTestEntry(t, "fanout"))
	defer b.Close()

	early := newFakeConn()
	b.Register(early, "early")
	b.Publish([]byte("before"))
	assert.Equal(t, "before", receive(t, early))

	late := newFakeConn()
	b.Register(late, "late")
	b.Publish([]byte("after"))

	assert.Equal(t, "after", receive(t, late))
	assert.Equal(t, "after", receive(t, early))
}

func TestBroadcasterNoSubscribers(t *testing.T) {
	b := NewBroadcaster(16, time.Second, common.NewTestEntry(t, "fanout"))
	defer b.Close()

	b.Publish([]byte("into the void"))
	assert.Equal(t, 0, b.Count())
}

func TestBroadcasterSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(2, time.Second, common.NewTestEntry(t, "fanout"))
	defer b.Close()

	slow := newFakeConn()
	slow.block = make(chan struct{})
	fast := newFakeConn()

	slowSub := b.Register(slow, "slow")
	b.Register(fast, "fast")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish([]byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	close(slow.block)

	assert.Greater(t, slowSub.Dropped(), uint64(0))
	assert.Equal(t, 2, b.Count())
	assert.Equal(t, "x", receive(t, fast))
}

func TestBroadcasterWriteFailureRemovesSubscriber(t *testing.T) {
	b := NewBroadcaster(16, time.Second, common.NewTestEntry(t, "fanout"))
	defer b.Close()

	bad := newFakeConn()
	bad.fail = true
	good := newFakeConn()

	badSub := b.Register(bad, "bad")
	b.Register(good, "good")

	b.Publish([]byte("line"))

	select {
	case <-badSub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("failing subscriber was not removed")
	}

	assert.True(t, bad.isClosed())
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, "line", receive(t, good))

	b.Publish([]byte("next"))
	assert.Equal(t, "next", receive(t, good))
}

func TestBroadcasterUnregisterIdempotent(t *testing.T) {
	b := NewBroadcaster(16, time.Second, common.NewTestEntry(t, "fanout"))
	defer b.Close()

	c := newFakeConn()
	s := b.Register(c, "a")
	require.NotNil(t, s)

	b.Unregister(s)
	b.Unregister(s)

	assert.True(t, c.isClosed())
	assert.Equal(t, 0, b.Count())
	assert.Empty(t, b.Subscribers())
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster(16, time.Second, common.NewTestEntry(t, "fanout"))

	c1, c2 := newFakeConn(), newFakeConn()
	b.Register(c1, "a")
	b.Register(c2, "b")
	assert.Len(t, b.Subscribers(), 2)

	b.Close()

	assert.Equal(t, 0, b.Count())
	assert.True(t, c1.isClosed())
	assert.True(t, c2.isClosed())

	c3 := newFakeConn()
	assert.Nil(t, b.Register(c3, "c"))
	assert.True(t, c3.isClosed())
}

type flakyConn struct {
	*fakeConn
	failures int
}

func (c *flakyConn) WriteLine(line []byte, deadline time.Time) error {
	if c.failures > 0 {
		c.failures--
		return errors.New("publish failed")
	}
	return c.fakeConn.WriteLine(line, deadline)
}

func TestBroadcasterRelay(t *testing.T) {
	b := NewBroadcaster(16, time.Second, common.NewTestEntry(t, "fanout"))

	relay := &flakyConn{fakeConn: newFakeConn(), failures: 1}
	rs := b.RegisterRelay(relay, "wamp://local/feed")
	require.NotNil(t, rs)

	dash := newFakeConn()
	b.Register(dash, "dash")

	assert.Equal(t, 1, b.Count())
	require.Len(t, b.Subscribers(), 1)
	assert.Equal(t, "dash", b.Subscribers()[0].RemoteAddr)

	// the first write fails, the relay stays registered
	b.Publish([]byte("one"))
	b.Publish([]byte("two"))

	assert.Equal(t, "two", receive(t, relay.fakeConn))
	assert.Equal(t, "one", receive(t, dash))
	assert.Equal(t, "two", receive(t, dash))

	select {
	case <-rs.Done():
		t.Fatal("relay should survive a failed write")
	default:
	}

	b.Close()

	assert.True(t, relay.isClosed())
	assert.Equal(t, 0, b.Count())
}
