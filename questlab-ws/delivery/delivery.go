// Package delivery pushes messages to live WebSocket connections and prunes
// registry entries whose connection turns out to be gone.
//
// Clients routinely vanish without a disconnect event reaching the gateway, so
// a failed push is the only reliable signal that a registry record is stale.
// Every send therefore doubles as a consistency check on the registry.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/connectiondao"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 50

var (
	// ErrGone is reported by a Transport when the far end of a connection no longer exists.
	ErrGone = errors.New("connection gone")
	// ErrDelivery wraps every transport failure other than ErrGone.
	ErrDelivery = errors.New("delivery failed")
)

// Transport is the push channel to live connections.
type Transport interface {
	// Send posts data to the connection. An error wrapping ErrGone means the
	// connection no longer exists.
	Send(ctx context.Context, endpoint, connectionID string, data []byte) error
}

// Registry is the subset of the connection registry used for delivery.
type Registry interface {
	FindByUserID(ctx context.Context, userID string) ([]connectiondao.Connection, error)
	Delete(ctx context.Context, connectionID string) error
}

// Outcome distinguishes a delivered message from a recovered stale connection.
type Outcome int

const (
	OutcomeDelivered Outcome = iota + 1
	OutcomePruned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomePruned:
		return "pruned"
	default:
		return "unknown"
	}
}

// Failure records a connection whose delivery failed for a reason other than being gone.
type Failure struct {
	ConnectionID string
	Err          error
}

// Report summarizes a broadcast.
type Report struct {
	Recipients int       `json:"recipients"`
	Delivered  int       `json:"delivered"`
	Pruned     int       `json:"pruned"`
	Failures   []Failure `json:"-"`
}

// Service delivers messages through a Transport, pruning the Registry on ErrGone.
type Service struct {
	Registry  Registry
	Transport Transport
	Logger    zerolog.Logger
	Metrics   questlabcli.Metrics

	// DefaultEndpoint is used for sends whose endpoint is unknown.
	DefaultEndpoint string
	// Concurrency bounds parallel sends within a broadcast (default 50).
	Concurrency int
}

func New(registry Registry, transport Transport, logger zerolog.Logger) *Service {
	return &Service{
		Registry:  registry,
		Transport: transport,
		Logger:    logger,
	}
}

// SendToConnection pushes message to a single connection. A gone connection is
// removed from the registry and reported as OutcomePruned with a nil error.
func (s *Service) SendToConnection(ctx context.Context, endpoint, connectionID string, message []byte) (Outcome, error) {
	outcome, err := s.deliver(ctx, endpoint, connectionID, message)
	switch {
	case err != nil:
		s.Metrics.Event(ctx, questlabcli.DeliveryFailedMetric)
	case outcome == OutcomePruned:
		s.Metrics.Event(ctx, questlabcli.PrunedMetric)
	default:
		s.Metrics.Event(ctx, questlabcli.DeliveredMetric)
	}
	return outcome, err
}

func (s *Service) deliver(ctx context.Context, endpoint, connectionID string, message []byte) (Outcome, error) {
	if endpoint == "" {
		endpoint = s.DefaultEndpoint
	}
	if endpoint == "" {
		return 0, fmt.Errorf("%w: no push endpoint for connection %v", ErrDelivery, connectionID)
	}

	err := s.Transport.Send(ctx, endpoint, connectionID, message)
	switch {
	case err == nil:
		return OutcomeDelivered, nil

	case errors.Is(err, ErrGone):
		s.Logger.Info().
			Str("connection_id", connectionID).
			Msg("connection gone, cleaning up")
		s.prune(ctx, connectionID)
		return OutcomePruned, nil

	default:
		return 0, fmt.Errorf("%w: posting to connection %v: %w", ErrDelivery, connectionID, err)
	}
}

// Send pushes message to a registry record, using the endpoint stored with it.
func (s *Service) Send(ctx context.Context, conn connectiondao.Connection, message []byte) (Outcome, error) {
	return s.SendToConnection(ctx, conn.Endpoint, conn.ConnectionID, message)
}

// BroadcastToUser delivers message to every connection of the user in parallel.
// Each connection is independent: a gone or failing connection never stops the
// others. The error is non-nil only if the registry lookup fails, or, once all
// sends have finished, as the join of the non-gone failures.
func (s *Service) BroadcastToUser(ctx context.Context, userID string, message []byte) (Report, error) {
	conns, err := s.Registry.FindByUserID(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("resolving connections for user %v: %w", userID, err)
	}

	report := Report{Recipients: len(conns)}
	if len(conns) == 0 {
		return report, nil
	}

	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(concurrency)

	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			outcome, err := s.deliver(ctx, conn.Endpoint, conn.ConnectionID, message)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failures = append(report.Failures, Failure{ConnectionID: conn.ConnectionID, Err: err})
			case outcome == OutcomePruned:
				report.Pruned++
			default:
				report.Delivered++
			}
			return nil
		})
	}
	_ = g.Wait()

	// one metrics call per broadcast, not per connection
	s.Metrics.Counts(ctx, map[questlabcli.MetricName]int{
		questlabcli.DeliveredMetric:      report.Delivered,
		questlabcli.PrunedMetric:         report.Pruned,
		questlabcli.DeliveryFailedMetric: len(report.Failures),
	})

	s.Logger.Debug().
		Str("user_id", userID).
		Int("recipients", report.Recipients).
		Int("delivered", report.Delivered).
		Int("pruned", report.Pruned).
		Int("failed", len(report.Failures)).
		Msg("broadcast complete")

	if len(report.Failures) == 0 {
		return report, nil
	}
	errs := make([]error, 0, len(report.Failures))
	for _, f := range report.Failures {
		errs = append(errs, f.Err)
	}
	return report, errors.Join(errs...)
}

func (s *Service) prune(ctx context.Context, connectionID string) {
	if err := s.Registry.Delete(ctx, connectionID); err != nil {
		// the record stays stale until the next failed send or its TTL
		s.Logger.Error().Err(err).Str("connection_id", connectionID).Msg("failed to delete gone connection")
	}
}
