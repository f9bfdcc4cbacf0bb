package hub

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mosaicnetworks/feedhub/src/common"
	"github.com/mosaicnetworks/feedhub/src/config"
	"github.com/mosaicnetworks/feedhub/src/monitor"
	"github.com/mosaicnetworks/feedhub/src/peers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, conf *config.Config) *Hub {
	h := NewHub(conf)
	require.NoError(t, h.Init())

	go h.Run()
	t.Cleanup(h.Shutdown)

	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func subscribe(t *testing.T, h *Hub) *websocket.Conn {
	before := h.Broadcaster.Count()

	conn, _, err := websocket.DefaultDialer.Dial(h.FeedURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	eventually(t, "subscription", func() bool { return h.Broadcaster.Count() == before+1 })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestProducerToSubscriber(t *testing.T) {
	h := startHub(t, config.NewTestConfig(t))

	sub1 := subscribe(t, h)
	sub2 := subscribe(t, h)

	producer, err := net.Dial("tcp", h.IngestAddr())
	require.NoError(t, err)
	defer producer.Close()

	msg := `{"Operation":"HeartBeat","peerID":"p1"}`
	_, err = fmt.Fprintf(producer, "%s\r\nsecond\n", msg)
	require.NoError(t, err)

	for _, c := range []*websocket.Conn{sub1, sub2} {
		assert.Equal(t, msg, readMessage(t, c))
		assert.Equal(t, "second", readMessage(t, c))
	}

	stats := h.GetStats()
	assert.Equal(t, "1", stats["producers"])
	assert.Equal(t, "2", stats["subscribers"])
	assert.Equal(t, "2", stats["lines_forwarded"])
}

func TestLateSubscriberGetsNoReplay(t *testing.T) {
	h := startHub(t, config.NewTestConfig(t))

	producer, err := net.Dial("tcp", h.IngestAddr())
	require.NoError(t, err)
	defer producer.Close()

	_, err = producer.Write([]byte("early\n"))
	require.NoError(t, err)
	eventually(t, "early line", func() bool { return h.Merger.Lines() == 1 })

	sub := subscribe(t, h)

	_, err = producer.Write([]byte("late\n"))
	require.NoError(t, err)

	assert.Equal(t, "late", readMessage(t, sub))
}

func TestMonitorEndToEnd(t *testing.T) {
	h := startHub(t, config.NewTestConfig(t))

	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := make(chan time.Time, 1)
	clock <- now
	tick := func() time.Time {
		v := <-clock
		clock <- v
		return v
	}
	advance := func(d time.Duration) {
		v := <-clock
		clock <- v.Add(d)
	}

	rec := peers.NewReconciler(tick, common.NewTestEntry(t, "peers"))
	m := monitor.NewMonitor(h.FeedURL(), 50*time.Millisecond, rec, common.NewTestEntry(t, "monitor"))
	go m.Run()
	defer m.Shutdown()

	eventually(t, "monitor subscribed", func() bool { return h.Broadcaster.Count() == 1 })

	producer, err := net.Dial("tcp", h.IngestAddr())
	require.NoError(t, err)
	defer producer.Close()

	send := func(height int, tips string) {
		_, err := fmt.Fprintf(producer,
			`{"Operation":"HeartBeat","peerID":"p1","peerName":"alice","Tags":{"heartbeat":{"HeaviestTipset":[%s],"TipsetHeight":%d}}}`+"\n",
			tips, height)
		require.NoError(t, err)
	}

	send(10, `{"/":"b"},{"/":"a"}`)
	eventually(t, "record", func() bool { return rec.Len() == 1 })

	r, _ := rec.Get("p1")
	assert.Equal(t, []string{"a", "b"}, r.Tipset)
	assert.EqualValues(t, 10, r.Height)
	assert.False(t, r.BlockKnown())

	advance(time.Second)
	send(11, `{"/":"a"},{"/":"b"}`)
	eventually(t, "height 11", func() bool {
		r, _ := rec.Get("p1")
		return r.Height == 11
	})
	r, _ = rec.Get("p1")
	assert.False(t, r.BlockKnown())

	advance(time.Second)
	send(12, `{"/":"c"}`)
	eventually(t, "height 12", func() bool {
		r, _ := rec.Get("p1")
		return r.Height == 12
	})
	r, _ = rec.Get("p1")
	assert.Equal(t, []string{"c"}, r.Tipset)
	assert.True(t, r.TSLBlock.Equal(now.Add(2*time.Second)))
}

func TestServiceEnabled(t *testing.T) {
	conf := config.NewTestConfig(t)
	conf.ServiceAddr = "127.0.0.1:0"

	h := startHub(t, conf)
	require.NotEmpty(t, h.ServiceAddr())

	var resp *http.Response
	eventually(t, "service", func() bool {
		var err error
		resp, err = http.Get("http://" + h.ServiceAddr() + "/stats")
		return err == nil
	})
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"producers":"0"`)
}

func TestInitFailsOnBusyAddress(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	conf := config.NewTestConfig(t)
	conf.FeedAddr = busy.Addr().String()

	h := NewHub(conf)
	err = h.Init()
	require.Error(t, err)

	// the ingest listener bound before the failure is released
	_, err = net.Dial("tcp", h.Ingest.LocalAddr())
	assert.Error(t, err)
}

func TestWampPublisherRegistered(t *testing.T) {
	conf := config.NewTestConfig(t)
	conf.WampAddr = "127.0.0.1:0"

	h := startHub(t, conf)
	require.NotNil(t, h.Wamp)
	require.NotNil(t, h.wampRelay)
	assert.Contains(t, h.wampRelay.RemoteAddr, "wamp://")

	// the republisher is not a dashboard subscriber
	assert.Empty(t, h.Subscribers())
	assert.Equal(t, "0", h.GetStats()["subscribers"])
}

func TestShutdownWithoutInit(t *testing.T) {
	h := NewHub(config.NewTestConfig(t))
	h.Shutdown()
	h.Shutdown()
}
