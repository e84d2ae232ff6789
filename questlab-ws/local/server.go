// Package local runs the gateway in console mode: a plain WebSocket server
// that turns handshakes, frames, and closes into the same API Gateway events
// the Lambda receives, and delivers pushes over the sockets it holds.
package local

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 128 << 10

	routeConnect    = "$connect"
	routeDisconnect = "$disconnect"
	routeDefault    = "$default"
)

var errNotReady = errors.New("connection handshake still in progress")

// EventFunc handles one API Gateway WebSocket event.
type EventFunc func(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error)

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn // nil until the handshake completes
}

// Server is a console-mode stand-in for the API Gateway WebSocket API. It also
// implements delivery.Transport for the sockets it accepted.
type Server struct {
	Handler EventFunc
	Logger  zerolog.Logger
	Stage   string

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func New(logger zerolog.Logger) *Server {
	return &Server{
		Logger: logger,
		Stage:  "local",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[string]*client{},
	}
}

// ServeHTTP runs $connect before upgrading, so a rejected token is answered
// with a plain HTTP error at the handshake.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	logger := s.Logger.With().Str("connection_id", connID).Logger()

	c := &client{}
	s.mu.Lock()
	s.clients[connID] = c
	s.mu.Unlock()

	ctx := r.Context()
	resp, err := s.Handler(ctx, s.event(r, connID, routeConnect, ""))
	if err != nil || resp.StatusCode != http.StatusOK {
		s.remove(connID)
		status := resp.StatusCode
		if err != nil || status == 0 {
			status = http.StatusInternalServerError
		}
		logger.Info().Err(err).Int("status", status).Msg("handshake rejected")
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("upgrade failed")
		s.remove(connID)
		s.dispatch(context.Background(), logger, s.event(r, connID, routeDisconnect, ""))
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		s.remove(connID)
		conn.Close()
		s.dispatch(context.Background(), logger, s.event(r, connID, routeDisconnect, ""))
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.dispatch(context.Background(), logger, s.event(r, connID, routeDefault, string(data)))
	}
}

func (s *Server) dispatch(ctx context.Context, logger zerolog.Logger, req events.APIGatewayWebsocketProxyRequest) {
	resp, err := s.Handler(ctx, req)
	if err != nil {
		logger.Error().Err(err).Str("route", req.RequestContext.RouteKey).Msg("handler failed")
		return
	}
	if resp.StatusCode != http.StatusOK {
		logger.Debug().Int("status", resp.StatusCode).Str("route", req.RequestContext.RouteKey).Msg("handler returned non-200")
	}
}

func (s *Server) event(r *http.Request, connID, route, body string) events.APIGatewayWebsocketProxyRequest {
	query := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	headers := map[string]string{}
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	req := events.APIGatewayWebsocketProxyRequest{
		Body: body,
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			ConnectionID: connID,
			RouteKey:     route,
			DomainName:   r.Host,
			Stage:        s.Stage,
		},
	}
	if route == routeConnect {
		req.QueryStringParameters = query
		req.Headers = headers
	}
	return req
}

func (s *Server) remove(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, connID)
}

// Send writes data to a socket held by this server. Unknown connections are
// reported as gone. The endpoint is ignored.
func (s *Server) Send(_ context.Context, _, connectionID string, data []byte) error {
	s.mu.RLock()
	c, ok := s.clients[connectionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %v", delivery.ErrGone, connectionID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotReady
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", delivery.ErrGone, err)
	}
	return nil
}

// Count returns the number of sockets currently held.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
