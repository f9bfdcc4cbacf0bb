package net

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/feedhub/src/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIngest(t *testing.T, maxLine int) (*IngestServer, *Merger, *recordingSink) {
	stream, err := NewTCPStreamLayer("127.0.0.1:0", "")
	require.NoError(t, err)

	merger := NewMerger(common.NewTestEntry(t, "merger"))
	sink := &recordingSink{}
	merger.Subscribe(sink)

	server := NewIngestServer(stream, merger, maxLine, 7, common.NewTestEntry(t, "ingest"))
	go server.Listen()

	t.Cleanup(func() { server.Close() })

	return server, merger, sink
}

func dial(t *testing.T, addr string) net.Conn {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTCPStreamLayer_WithAdvertise(t *testing.T) {
	stream, err := NewTCPStreamLayer("127.0.0.1:0", "127.0.0.1:12345")
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "127.0.0.1:12345", stream.AdvertiseAddr())
	assert.NotEqual(t, stream.AdvertiseAddr(), stream.Addr().String())
}

func TestIngestServer_StartStop(t *testing.T) {
	stream, err := NewTCPStreamLayer("127.0.0.1:0", "")
	require.NoError(t, err)

	server := NewIngestServer(stream, NewMerger(nil), 0, 0, common.NewTestEntry(t, "ingest"))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen() }()

	require.NoError(t, server.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrServerShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return")
	}
	assert.True(t, server.IsShutdown())
	assert.Equal(t, server.LocalAddr(), server.AdvertiseAddr())
	assert.NoError(t, server.Close())
}

func TestIngestServer_ForwardsLines(t *testing.T) {
	server, merger, sink := newTestIngest(t, 0)

	conn := dial(t, server.LocalAddr())
	defer conn.Close()

	_, err := conn.Write([]byte("hello\r\nworld\n\npartial"))
	require.NoError(t, err)

	waitFor(t, "lines", func() bool { return len(sink.Lines()) == 3 })
	assert.Equal(t, []string{"hello", "world", ""}, sink.Lines())
	assert.Equal(t, 1, merger.Count())

	conn.Close()
	waitFor(t, "deregistration", func() bool { return merger.Count() == 0 })

	// trailing partial line is discarded on close
	assert.Len(t, sink.Lines(), 3)
}

func TestIngestServer_PerProducerOrder(t *testing.T) {
	server, merger, sink := newTestIngest(t, 0)

	const producers = 4
	const lines = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", server.LocalAddr())
			if err != nil {
				t.Error(err)
				return
			}
			defer conn.Close()
			for i := 0; i < lines; i++ {
				fmt.Fprintf(conn, "p%d-%03d\n", p, i)
			}
		}(p)
	}
	wg.Wait()

	waitFor(t, "all lines", func() bool { return len(sink.Lines()) == producers*lines })
	waitFor(t, "deregistration", func() bool { return merger.Count() == 0 })

	next := make(map[string]int)
	for _, l := range sink.Lines() {
		parts := strings.SplitN(l, "-", 2)
		require.Len(t, parts, 2)
		var seq int
		_, err := fmt.Sscanf(parts[1], "%d", &seq)
		require.NoError(t, err)
		assert.Equal(t, next[parts[0]], seq, "producer %s out of order", parts[0])
		next[parts[0]] = seq + 1
	}
}

func TestIngestServer_LineTooLong(t *testing.T) {
	server, merger, sink := newTestIngest(t, 16)

	good := dial(t, server.LocalAddr())
	defer good.Close()
	bad := dial(t, server.LocalAddr())
	defer bad.Close()

	waitFor(t, "registration", func() bool { return merger.Count() == 2 })

	_, err := bad.Write([]byte("ok\n" + strings.Repeat("x", 40) + "\n"))
	require.NoError(t, err)

	waitFor(t, "bad producer removed", func() bool { return merger.Count() == 1 })

	_, err = good.Write([]byte("still here\n"))
	require.NoError(t, err)

	waitFor(t, "good line", func() bool { return len(sink.Lines()) == 2 })
	assert.Equal(t, []string{"ok", "still here"}, sink.Lines())
}

func TestIngestServer_CloseDropsProducers(t *testing.T) {
	server, merger, _ := newTestIngest(t, 0)

	conn := dial(t, server.LocalAddr())
	defer conn.Close()

	waitFor(t, "registration", func() bool { return merger.Count() == 1 })

	require.NoError(t, server.Close())
	assert.Equal(t, 0, merger.Count())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
}
