package port

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsta/defs"
	"vsta/event"
	"vsta/sema"
)

func TestConnectAcceptSendReply(t *testing.T) {
	srv := NewPort("")
	pr := Connect(srv, nil)
	assert.Equal(t, Opening, pr.State())

	m, err := srv.Receive(0, nil)
	require.Equal(t, 0, int(err))
	require.Equal(t, M_CONNECT, m.Op)
	Accept(m.sender)
	assert.Equal(t, IoDone, pr.State())

	done := make(chan struct{})
	var (
		arg  int64
		serr defs.Err_t
	)
	go func() {
		arg, _, serr = pr.Send(FS_READ, 42, 0, nil, nil)
		close(done)
	}()

	req, err := srv.Receive(0, nil)
	require.Equal(t, 0, int(err))
	assert.EqualValues(t, 42, req.Arg)
	Reply(req, 99, nil)

	<-done
	assert.Equal(t, 0, int(serr))
	assert.EqualValues(t, 99, arg)
}

func TestReceiveCancelledByEventDelivery(t *testing.T) {
	srv := NewPort("")
	self := event.NewThread(1)

	done := make(chan defs.Err_t, 1)
	go func() {
		_, err := srv.Receive(sema.Catchable, self)
		done <- err
	}()

	// Give the goroutine a chance to park in AcquireCancellable before the
	// event arrives; BeginSleep must have registered the waiter by then or
	// SignalThread has nothing to evict.
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, int(event.SignalThread(self, "kill", true)))

	select {
	case err := <-done:
		assert.Equal(t, defs.EINTR, err)
	case <-time.After(time.Second):
		t.Fatal("Receive was not woken by event delivery")
	}
}

func TestFidCacheRoundTrips(t *testing.T) {
	p := NewPort("")
	p.FidStore(7, "payload")

	v, ok := p.FidLookup(7)
	require.True(t, ok)
	assert.Equal(t, "payload", v)

	p.FidUnhash(7)
	_, ok = p.FidLookup(7)
	assert.False(t, ok)
}

func TestStatLineEncodesPortName(t *testing.T) {
	p := NewPort("")
	line := p.StatLine()
	assert.True(t, strings.Contains(line, "mode="))
	assert.True(t, strings.Contains(line, "size=0"))
}

func TestNoMapHashDefaultsFalse(t *testing.T) {
	p := NewPort("")
	assert.False(t, p.NoMapHash())
	p.SetNoMapHash()
	assert.True(t, p.NoMapHash())
}
