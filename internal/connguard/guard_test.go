package connguard

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_CeilingFlagsSource(t *testing.T) {
	g := New(Config{MaxPerSource: 3}, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire("10.0.0.1"))
	}
	assert.False(t, g.IsFlagged("10.0.0.1"))

	err := g.Acquire("10.0.0.1")
	assert.ErrorIs(t, err, ErrTooManyConnections)
	assert.True(t, g.IsFlagged("10.0.0.1"))
	assert.Equal(t, 3, g.Active("10.0.0.1"))

	// Other sources are unaffected.
	assert.NoError(t, g.Acquire("10.0.0.2"))

	// Still flagged while connections remain, and a freed slot is usable again.
	g.Release("10.0.0.1")
	assert.True(t, g.IsFlagged("10.0.0.1"))
	assert.NoError(t, g.Acquire("10.0.0.1"))

	for i := 0; i < 3; i++ {
		g.Release("10.0.0.1")
	}
	assert.False(t, g.IsFlagged("10.0.0.1"), "flag clears when the count reaches zero")
	assert.Equal(t, 0, g.Active("10.0.0.1"))
}

func TestRelease_UnknownSourceIsNoop(t *testing.T) {
	g := New(Config{}, nil)
	g.Release("nobody")
	assert.Equal(t, Stats{Flagged: []string{}}, g.Stats())
}

func TestAcquire_AcceptRate(t *testing.T) {
	g := New(Config{MaxPerSource: 100, AcceptRate: 0.001, AcceptBurst: 2}, nil)

	var rejected []error
	g.OnReject = func(_ string, err error) { rejected = append(rejected, err) }

	assert.NoError(t, g.Acquire("a"))
	assert.NoError(t, g.Acquire("a"))
	assert.ErrorIs(t, g.Acquire("a"), ErrAcceptRateExceeded)
	assert.NoError(t, g.Acquire("b"), "buckets are per source")

	assert.Len(t, rejected, 1)
	assert.False(t, g.IsFlagged("a"), "rate rejections do not flag")
}

func TestStats(t *testing.T) {
	g := New(Config{MaxPerSource: 1}, nil)
	require.NoError(t, g.Acquire("a"))
	require.NoError(t, g.Acquire("b"))
	_ = g.Acquire("b")

	stats := g.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 2, stats.Sources)
	assert.Equal(t, []string{"b"}, stats.Flagged)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestSourceOf(t *testing.T) {
	assert.Equal(t, "127.0.0.1", SourceOf(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}))
	assert.Equal(t, "::1", SourceOf(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 4000}))
	assert.Equal(t, "", SourceOf(nil))
}

func TestListener_RejectsOverCeiling(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := New(Config{MaxPerSource: 2}, nil)
	ln := g.Listener(inner)
	defer ln.Close()

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	dial := func() net.Conn {
		c, err := net.Dial("tcp", inner.Addr().String())
		require.NoError(t, err)
		return c
	}

	c1, c2 := dial(), dial()
	defer c1.Close()
	defer c2.Close()
	s1 := <-accepted
	s2 := <-accepted

	c3 := dial()
	defer c3.Close()
	_ = c3.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c3.Read(make([]byte, 1))
	assert.Error(t, err, "third connection is closed by the guard")

	require.Eventually(t, func() bool { return g.Stats().Rejected == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, g.IsFlagged("127.0.0.1"))
	assert.Equal(t, 2, g.Active("127.0.0.1"))

	// Double close releases once.
	require.NoError(t, s1.Close())
	_ = s1.Close()
	assert.Equal(t, 1, g.Active("127.0.0.1"))

	require.NoError(t, s2.Close())
	assert.Equal(t, 0, g.Active("127.0.0.1"))
	assert.False(t, g.IsFlagged("127.0.0.1"))
}
