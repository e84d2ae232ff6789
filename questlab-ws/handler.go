// Package questlabws implements the realtime gateway behind the API Gateway
// WebSocket API: the $connect/$default/$disconnect protocol handler, the
// request authorizer, and the dispatcher that turns published events into pushes.
package questlabws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	questlabauth "github.com/questlab-research/questlab-go-utils/questlab-auth"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/connectiondao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/identitydao"
	"github.com/rs/zerolog"
)

const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"

	// TokenParam is the query string parameter carrying the connect-time token.
	TokenParam = "token"

	defaultConnTTL = 2 * time.Hour
)

// Registry is the connection registry the handler keeps authoritative.
type Registry interface {
	Create(ctx context.Context, conn connectiondao.Connection) error
	FindByConnectionID(ctx context.Context, connectionID string) (*connectiondao.Connection, error)
	Delete(ctx context.Context, connectionID string) error
}

// IdentityStore resolves current profile claims during token refresh.
type IdentityStore interface {
	Get(ctx context.Context, id string) (*identitydao.Identity, error)
}

// Handler handles WebSocket API Gateway events. It holds no per-connection
// state; every event is served from the registry alone.
type Handler struct {
	Connections Registry
	Identities  IdentityStore
	Tokens      *questlabauth.Tokens
	Delivery    *delivery.Service
	Logger      zerolog.Logger
	Metrics     questlabcli.Metrics
	ConnTTL     time.Duration // TTL for connection records (default 2 hours)

	now func() time.Time
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// HandleEvent routes an API Gateway WebSocket event to the appropriate handler.
func (h *Handler) HandleEvent(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	logger := h.Logger.With().
		Str("connection_id", req.RequestContext.ConnectionID).
		Str("route", req.RequestContext.RouteKey).
		Logger()
	ctx = logger.WithContext(ctx)
	defer h.Metrics.Timing(ctx, questlabcli.ResponseTimeMetric, time.Now(), map[questlabcli.DimensionName]string{
		questlabcli.RouteDimension: req.RequestContext.RouteKey,
	})

	switch req.RequestContext.RouteKey {
	case RouteConnect:
		return h.handleConnect(ctx, logger, req)
	case RouteDisconnect:
		return h.handleDisconnect(ctx, logger, req)
	case RouteDefault:
		return h.handleMessage(ctx, logger, req)
	default:
		logger.Warn().Msg("unknown route")
		return response(http.StatusBadRequest), nil
	}
}

func (h *Handler) handleConnect(ctx context.Context, logger zerolog.Logger, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connID := req.RequestContext.ConnectionID

	token, err := RequestToken(req.QueryStringParameters, req.Headers)
	if err != nil {
		return h.rejectConnect(ctx, logger, err), nil
	}
	claims, err := h.Tokens.Verify(token)
	if err != nil {
		return h.rejectConnect(ctx, logger, err), nil
	}

	ttl := h.ConnTTL
	if ttl == 0 {
		ttl = defaultConnTTL
	}
	now := h.clock()

	conn := connectiondao.Connection{
		ConnectionID: connID,
		UserID:       claims.Subject,
		Endpoint:     eventEndpoint(req),
		CreatedAt:    now.Unix(),
		TTL:          now.Add(ttl).Unix(),
	}
	if err := h.Connections.Create(ctx, conn); err != nil {
		logger.Error().Err(err).Msg("failed to store connection")
		return response(http.StatusInternalServerError), nil
	}

	h.Metrics.Event(ctx, questlabcli.ConnectedMetric)
	logger.Info().
		Str("user_id", conn.UserID).
		Str("state", string(StateAuthenticated)).
		Msg("connection established")
	return response(http.StatusOK), nil
}

func (h *Handler) rejectConnect(ctx context.Context, logger zerolog.Logger, err error) events.APIGatewayProxyResponse {
	h.Metrics.Event(ctx, questlabcli.ConnectRejectedMetric)
	logger.Info().Err(err).Str("state", string(StateClosed)).Msg("connection rejected")
	return response(http.StatusUnauthorized)
}

func (h *Handler) handleDisconnect(ctx context.Context, logger zerolog.Logger, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	if err := h.Connections.Delete(ctx, req.RequestContext.ConnectionID); err != nil {
		logger.Error().Err(err).Msg("failed to delete connection")
	}

	h.Metrics.Event(ctx, questlabcli.DisconnectedMetric)
	logger.Info().Str("state", string(StateClosed)).Msg("connection closed")
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK}, nil
}

func (h *Handler) handleMessage(ctx context.Context, logger zerolog.Logger, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connID := req.RequestContext.ConnectionID

	// The registry, not the transport, decides whether this session is alive.
	conn, err := h.Connections.FindByConnectionID(ctx, connID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to look up connection")
		return response(http.StatusInternalServerError), nil
	}
	if conn == nil {
		logger.Warn().Msg("message from unregistered connection")
		return response(http.StatusUnauthorized), nil
	}
	logger = logger.With().Str("user_id", conn.UserID).Logger()

	endpoint := eventEndpoint(req)
	if endpoint == "" {
		endpoint = conn.Endpoint
	}

	msg, err := ParseMessage(req.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid message")
		h.Metrics.Event(ctx, questlabcli.MessageRejectedMetric)
		h.reply(ctx, logger, endpoint, connID, ErrorMessage("invalid message"))
		return response(http.StatusBadRequest), nil
	}
	logger = logger.With().Str("action", msg.Action).Logger()

	switch msg.Action {
	case ActionPing:
		h.reply(ctx, logger, endpoint, connID, PongMessage(h.clock()))
		return response(http.StatusOK), nil

	case ActionTokenRefresh:
		h.handleTokenRefresh(ctx, logger, conn, endpoint, msg)
		return response(http.StatusOK), nil

	default:
		logger.Warn().Msg("unknown action")
		h.Metrics.Event(ctx, questlabcli.MessageRejectedMetric, map[questlabcli.DimensionName]string{
			questlabcli.ActionDimension: "unknown",
		})
		h.reply(ctx, logger, endpoint, connID, ErrorMessage(fmt.Sprintf("unknown action %q", msg.Action)))
		return response(http.StatusBadRequest), nil
	}
}

// handleTokenRefresh renews the token embedded in the message. Every failure
// is answered with an error message; the connection stays open.
func (h *Handler) handleTokenRefresh(ctx context.Context, logger zerolog.Logger, conn *connectiondao.Connection, endpoint string, msg *Message) {
	token, err := h.refreshToken(ctx, conn, msg)
	if err != nil {
		logger.Warn().Err(err).Msg("token refresh failed")
		h.reply(ctx, logger, endpoint, conn.ConnectionID, ErrorMessage(refreshErrorMessage(err)))
		return
	}

	h.Metrics.Event(ctx, questlabcli.TokenRefreshedMetric)
	logger.Info().Msg("token refreshed")
	h.reply(ctx, logger, endpoint, conn.ConnectionID, TokenRefreshedMessage(token))
}

var errSubjectMismatch = errors.New("token subject does not match connection")

func (h *Handler) refreshToken(ctx context.Context, conn *connectiondao.Connection, msg *Message) (string, error) {
	var req TokenRefreshRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return "", fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
	}
	if req.Token == "" {
		return "", fmt.Errorf("%w: missing token", questlabauth.ErrMissingAuth)
	}

	claims, err := h.Tokens.Verify(req.Token)
	if err != nil {
		return "", err
	}
	if claims.Subject != conn.UserID {
		return "", errSubjectMismatch
	}

	identity, err := h.Identities.Get(ctx, claims.Subject)
	if err != nil {
		return "", fmt.Errorf("loading identity %v: %w", claims.Subject, err)
	}

	return h.Tokens.Issue(questlabauth.Identity{
		ID:          identity.ID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	})
}

func refreshErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		return "invalid token-refresh payload"
	case errors.Is(err, questlabauth.ErrMissingAuth):
		return "missing token"
	case errors.Is(err, questlabauth.ErrInvalidToken), errors.Is(err, errSubjectMismatch):
		return "invalid token"
	case errors.Is(err, identitydao.ErrNotFound):
		return "user not found"
	default:
		return "unable to refresh token"
	}
}

func (h *Handler) reply(ctx context.Context, logger zerolog.Logger, endpoint, connID string, data []byte) {
	outcome, err := h.Delivery.SendToConnection(ctx, endpoint, connID, data)
	if err != nil {
		logger.Error().Err(err).Msg("failed to send reply")
		return
	}
	if outcome == delivery.OutcomePruned {
		logger.Info().Str("state", string(StateClosed)).Msg("reply found connection gone")
	}
}

// RequestToken finds the connect-time token: the token query parameter, or
// failing that an "Authorization: Bearer" header.
func RequestToken(query, headers map[string]string) (string, error) {
	if token := query[TokenParam]; token != "" {
		return token, nil
	}
	return questlabauth.ExtractFromHeader(header(headers, "Authorization"))
}

func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func eventEndpoint(req events.APIGatewayWebsocketProxyRequest) string {
	if req.RequestContext.DomainName == "" {
		return ""
	}
	return delivery.Endpoint(req.RequestContext.DomainName, req.RequestContext.Stage)
}

func response(status int) events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{StatusCode: status}
	if status != http.StatusOK {
		resp.Body = http.StatusText(status)
	}
	return resp
}
