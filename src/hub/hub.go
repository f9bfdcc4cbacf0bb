// Package hub wires the aggregation server together: producers connect to
// the ingest listener, their lines are merged and fanned out to websocket
// subscribers on the feed listener, and optionally republished on a WAMP
// router. An HTTP service reports on all of it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mosaicnetworks/feedhub/src/config"
	"github.com/mosaicnetworks/feedhub/src/fanout"
	feednet "github.com/mosaicnetworks/feedhub/src/net"
	"github.com/mosaicnetworks/feedhub/src/service"
	"github.com/mosaicnetworks/feedhub/src/wamp"
	"github.com/sirupsen/logrus"
)

// Hub is the aggregation server.
type Hub struct {
	Config      *config.Config
	Merger      *feednet.Merger
	Broadcaster *fanout.Broadcaster
	Ingest      *feednet.IngestServer
	Wamp        *wamp.Server
	Service     *service.Service

	wampRelay       *fanout.Subscriber
	feedServer      *http.Server
	feedListener    net.Listener
	serviceListener net.Listener

	unsubscribe func()
	logger      *logrus.Entry

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewHub creates a Hub from conf. Nothing is bound until Init.
func NewHub(conf *config.Config) *Hub {
	return &Hub{
		Config:     conf,
		logger:     conf.Logger(),
		shutdownCh: make(chan struct{}),
	}
}

func (h *Hub) initIngest() error {
	stream, err := feednet.NewTCPStreamLayer(h.Config.IngestAddr, "")
	if err != nil {
		return fmt.Errorf("binding ingest address %s: %w", h.Config.IngestAddr, err)
	}

	h.Merger = feednet.NewMerger(h.logger.WithField("component", "merger"))

	h.Ingest = feednet.NewIngestServer(
		stream,
		h.Merger,
		h.Config.MaxLineSize,
		h.Config.ReadBufferSize,
		h.logger.WithField("component", "ingest"),
	)

	return nil
}

func (h *Hub) initFeed() error {
	h.Broadcaster = fanout.NewBroadcaster(
		h.Config.SendQueueSize,
		h.Config.WriteTimeout,
		h.logger.WithField("component", "fanout"),
	)

	h.unsubscribe = h.Merger.Subscribe(h.Broadcaster)

	l, err := net.Listen("tcp", h.Config.FeedAddr)
	if err != nil {
		return fmt.Errorf("binding feed address %s: %w", h.Config.FeedAddr, err)
	}
	h.feedListener = l

	handler := fanout.NewWebsocketHandler(h.Broadcaster, nil)

	mux := http.NewServeMux()
	mux.Handle(h.feedPath(), handler)
	if h.feedPath() != "/" {
		mux.Handle("/", handler)
	}

	h.feedServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}

func (h *Hub) feedPath() string {
	if h.Config.FeedPath == "" {
		return config.DefaultFeedPath
	}
	return h.Config.FeedPath
}

func (h *Hub) initWamp() error {
	if h.Config.WampAddr == "" {
		return nil
	}

	logger := h.logger.WithField("component", "wamp")

	server, err := wamp.NewServer(h.Config.WampAddr, h.Config.WampRealm, h.Config.WampTopic, logger)
	if err != nil {
		return fmt.Errorf("starting wamp router on %s: %w", h.Config.WampAddr, err)
	}
	h.Wamp = server

	publisher, err := server.NewPublisher()
	if err != nil {
		return fmt.Errorf("connecting wamp publisher: %w", err)
	}

	h.wampRelay = h.Broadcaster.RegisterRelay(publisher, "wamp://"+server.Addr()+"/"+server.Topic())

	return nil
}

func (h *Hub) initService() error {
	if h.Config.ServiceAddr == "" {
		return nil
	}

	l, err := net.Listen("tcp", h.Config.ServiceAddr)
	if err != nil {
		return fmt.Errorf("binding service address %s: %w", h.Config.ServiceAddr, err)
	}
	h.serviceListener = l

	h.Service = service.NewService(
		l.Addr().String(),
		h,
		h,
		nil,
		h.logger.WithField("component", "service"),
	)

	return nil
}

// Init binds every listener. Failing to bind any of them is an error, in
// which case whatever was already bound is released.
func (h *Hub) Init() error {
	steps := []func() error{
		h.initIngest,
		h.initFeed,
		h.initWamp,
		h.initService,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			h.release()
			return err
		}
	}

	return nil
}

// Run serves every listener and blocks until Shutdown is called.
func (h *Hub) Run() {
	h.logger.WithFields(logrus.Fields{
		"ingest":    h.IngestAddr(),
		"advertise": h.Ingest.AdvertiseAddr(),
		"feed":      h.FeedAddr(),
	}).Info("Aggregation server running")

	h.goServe(func() {
		err := h.Ingest.Listen()
		if !errors.Is(err, feednet.ErrServerShutdown) {
			h.logger.WithError(err).Error("Ingest server")
		}
	})

	h.goServe(func() {
		err := h.feedServer.Serve(h.feedListener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.WithError(err).Error("Feed server")
		}
	})

	if h.Wamp != nil {
		h.logger.WithFields(logrus.Fields{
			"addr":  h.Wamp.Addr(),
			"realm": h.Wamp.Realm(),
			"topic": h.Wamp.Topic(),
		}).Info("Republishing on WAMP")

		h.goServe(func() { h.Wamp.Serve() })
	}

	if h.Service != nil {
		h.goServe(func() { h.Service.ServeListener(h.serviceListener) })
	}

	<-h.shutdownCh
}

func (h *Hub) goServe(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Shutdown stops accepting connections, closes every producer and
// subscriber, and waits for the servers to return.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.logger.Debug("Shutting down")

		h.release()
		h.wg.Wait()

		close(h.shutdownCh)
	})
}

// release closes whatever Init has set up so far.
func (h *Hub) release() {
	if h.Ingest != nil {
		h.Ingest.Close()
	}

	if h.feedServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.feedServer.Shutdown(ctx); err != nil {
			h.logger.WithError(err).Error("Shutting down feed server")
		}
		cancel()
	}
	if h.feedListener != nil {
		// Shutdown only closes listeners it is serving on
		h.feedListener.Close()
	}

	if h.unsubscribe != nil {
		h.unsubscribe()
	}

	if h.Broadcaster != nil {
		h.Broadcaster.Close()
	}

	if h.Wamp != nil {
		h.Wamp.Shutdown()
	}

	if h.Service != nil {
		h.Service.Shutdown()
	}
	if h.serviceListener != nil {
		h.serviceListener.Close()
	}
}

// IngestAddr returns the address producers connect to.
func (h *Hub) IngestAddr() string {
	return h.Ingest.LocalAddr()
}

// FeedAddr returns the address subscribers connect to.
func (h *Hub) FeedAddr() string {
	return h.feedListener.Addr().String()
}

// FeedURL returns the websocket URL of the feed.
func (h *Hub) FeedURL() string {
	return "ws://" + h.FeedAddr() + h.feedPath()
}

// ServiceAddr returns the address of the HTTP service, or an empty string
// when it is disabled.
func (h *Hub) ServiceAddr() string {
	if h.serviceListener == nil {
		return ""
	}
	return h.serviceListener.Addr().String()
}

// Producers implements service.Connections.
func (h *Hub) Producers() []feednet.ProducerInfo {
	return h.Merger.Producers()
}

// Subscribers implements service.Connections.
func (h *Hub) Subscribers() []fanout.SubscriberInfo {
	return h.Broadcaster.Subscribers()
}

// GetStats returns counters describing the traffic through the hub.
func (h *Hub) GetStats() map[string]string {
	var dropped uint64
	for _, s := range h.Broadcaster.Subscribers() {
		dropped += s.Dropped
	}

	return map[string]string{
		"producers":       strconv.Itoa(h.Merger.Count()),
		"subscribers":     strconv.Itoa(h.Broadcaster.Count()),
		"lines_forwarded": strconv.FormatUint(h.Merger.Lines(), 10),
		"lines_published": strconv.FormatUint(h.Broadcaster.Published(), 10),
		"dropped":         strconv.FormatUint(dropped, 10),
	}
}
