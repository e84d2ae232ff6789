// Package pushapi exposes delivery over an internal REST API so backend
// services can push to users without talking to API Gateway directly.
package pushapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	questlabrest "github.com/questlab-research/questlab-go-utils/questlab-rest"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/connectiondao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/rs/zerolog"
)

const maxBodySize = 128 << 10

// Registry resolves a single connection for unicast pushes.
type Registry interface {
	FindByConnectionID(ctx context.Context, connectionID string) (*connectiondao.Connection, error)
}

// Publisher queues a push for asynchronous delivery.
type Publisher interface {
	Send(ctx context.Context, userID string, payload interface{}) error
}

// API serves the push routes. When Publisher is set, user pushes are queued
// to the push stream instead of being delivered inline.
type API struct {
	Connections Registry
	Delivery    *delivery.Service
	Publisher   Publisher
	Metrics     questlabcli.Metrics

	// Dry validates and resolves pushes but logs them instead of sending.
	Dry bool
}

// BroadcastResponse is returned for an inline user push.
type BroadcastResponse struct {
	delivery.Report
	Failed int `json:"failed"`
}

// ConnectionResponse is returned for a unicast push.
type ConnectionResponse struct {
	ConnectionID string `json:"connectionId"`
	Outcome      string `json:"outcome"`
}

func (a *API) Routes(r chi.Router) {
	r.Post("/users/{userId}/messages", a.timed("PushToUser", a.pushToUser))
	r.Post("/connections/{connectionId}/messages", a.timed("PushToConnection", a.pushToConnection))
}

func (a *API) timed(operation string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		defer a.Metrics.Timing(req.Context(), questlabcli.ResponseTimeMetric, time.Now(), map[questlabcli.DimensionName]string{
			questlabcli.OperationNameDimension: operation,
		})
		handler(w, req)
	}
}

func (a *API) pushToUser(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	userID := chi.URLParam(req, "userId")
	logger := zerolog.Ctx(ctx).With().Str("user_id", userID).Logger()

	payload, ok := readPayload(w, req)
	if !ok {
		return
	}

	if a.Dry {
		logger.Info().RawJSON("payload", payload).Msg("dry run, skipping push")
		questlabrest.JSON(w, http.StatusOK, map[string]bool{"dryRun": true})
		return
	}

	if a.Publisher != nil {
		if err := a.Publisher.Send(ctx, userID, payload); err != nil {
			logger.Error().Err(err).Msg("failed to queue push")
			questlabrest.Error(w, http.StatusBadGateway, "unable to queue push")
			return
		}
		questlabrest.JSON(w, http.StatusAccepted, map[string]bool{"queued": true})
		return
	}

	report, err := a.Delivery.BroadcastToUser(ctx, userID, payload)
	if err != nil && len(report.Failures) == 0 {
		logger.Error().Err(err).Msg("failed to resolve connections")
		questlabrest.Error(w, http.StatusServiceUnavailable, "connection registry unavailable")
		return
	}
	if err != nil {
		logger.Warn().Err(err).Int("failed", len(report.Failures)).Msg("push partially failed")
	}

	questlabrest.JSON(w, http.StatusOK, BroadcastResponse{Report: report, Failed: len(report.Failures)})
}

func (a *API) pushToConnection(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	connectionID := chi.URLParam(req, "connectionId")
	logger := zerolog.Ctx(ctx).With().Str("connection_id", connectionID).Logger()

	payload, ok := readPayload(w, req)
	if !ok {
		return
	}

	conn, err := a.Connections.FindByConnectionID(ctx, connectionID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to look up connection")
		questlabrest.Error(w, http.StatusServiceUnavailable, "connection registry unavailable")
		return
	}
	if conn == nil {
		questlabrest.Error(w, http.StatusNotFound, "connection not found")
		return
	}

	if a.Dry {
		logger.Info().RawJSON("payload", payload).Msg("dry run, skipping push")
		questlabrest.JSON(w, http.StatusOK, ConnectionResponse{ConnectionID: connectionID, Outcome: "dry-run"})
		return
	}

	outcome, err := a.Delivery.Send(ctx, *conn, payload)
	if err != nil {
		logger.Error().Err(err).Msg("failed to push")
		questlabrest.Error(w, http.StatusBadGateway, "unable to deliver message")
		return
	}

	status := http.StatusOK
	if outcome == delivery.OutcomePruned {
		status = http.StatusGone
	}
	questlabrest.JSON(w, status, ConnectionResponse{ConnectionID: connectionID, Outcome: outcome.String()})
}

// readPayload reads the request body, which must be a JSON document; it is
// pushed verbatim.
func readPayload(w http.ResponseWriter, req *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			questlabrest.Error(w, http.StatusRequestEntityTooLarge, "payload too large")
			return nil, false
		}
		questlabrest.Error(w, http.StatusBadRequest, "unable to read payload")
		return nil, false
	}
	if !json.Valid(body) {
		questlabrest.Error(w, http.StatusBadRequest, "payload must be valid json")
		return nil, false
	}
	return body, true
}
