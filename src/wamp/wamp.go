// Package wamp republishes the merged line stream on a WAMP router, as an
// alternative to the raw websocket feed. Every line becomes one event on the
// configured topic, with the line as its only argument.
package wamp

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"
)

// Server runs an embedded WAMP router reachable over websockets.
type Server struct {
	realm      string
	topic      string
	router     router.Router
	listener   net.Listener
	httpServer *http.Server
	logger     *logrus.Entry
}

// NewServer creates the router for realm and binds address. Events are
// published on topic.
func NewServer(address string,
	realm string,
	topic string,
	logger *logrus.Entry) (*Server, error) {

	routerConfig := &router.Config{
		RealmConfigs: []*router.RealmConfig{
			&router.RealmConfig{
				URI:           wamp.URI(realm),
				AnonymousAuth: true,
			},
		},
	}

	nxr, err := router.NewRouter(routerConfig, logger)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		nxr.Close()
		return nil, err
	}

	wss := router.NewWebsocketServer(nxr)

	res := &Server{
		realm:    realm,
		topic:    topic,
		router:   nxr,
		listener: listener,
		httpServer: &http.Server{
			Handler:           wss,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}

	return res, nil
}

// Serve accepts WAMP clients until Shutdown is called.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if err != nil && err != http.ErrServerClosed {
		s.logger.WithError(err).Error("Serve")
		return err
	}
	return nil
}

// Shutdown stops the websocket server, and the wamp router
func (s *Server) Shutdown() {
	defer s.router.Close()

	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		s.logger.WithError(err).Error("Shutting down http server")
	}

	// in case Serve was never called
	s.listener.Close()
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Realm returns the realm served by the router.
func (s *Server) Realm() string {
	return s.realm
}

// Topic returns the topic lines are published on.
func (s *Server) Topic() string {
	return s.topic
}

// NewPublisher opens an in-process session on the router. The returned
// Publisher can be registered with a fanout.Broadcaster like any subscriber.
func (s *Server) NewPublisher() (*Publisher, error) {
	cli, err := client.ConnectLocal(s.router, client.Config{
		Realm:  s.realm,
		Logger: s.logger,
	})
	if err != nil {
		return nil, err
	}

	return &Publisher{
		client: cli,
		topic:  s.topic,
	}, nil
}

// Publisher publishes each line it is given as an event on a topic.
type Publisher struct {
	client *client.Client
	topic  string
}

// WriteLine implements fanout.Conn. Local publication does not block on
// remote subscribers, so the deadline is not used.
func (p *Publisher) WriteLine(line []byte, _ time.Time) error {
	return p.client.Publish(p.topic, nil, wamp.List{string(line)}, nil)
}

// Close ends the router session.
func (p *Publisher) Close() error {
	return p.client.Close()
}
