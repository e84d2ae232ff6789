package questlabws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	consumer "github.com/harlow/kinesis-consumer"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/publish"
	"github.com/rs/zerolog"
)

// Dispatcher fans out published push requests to the connections of each user.
type Dispatcher struct {
	Delivery *delivery.Service
	Logger   zerolog.Logger
	Metrics  questlabcli.Metrics

	// Dry logs each push instead of delivering it.
	Dry bool
}

// HandleKinesisEvent processes a batch of Kinesis records. A record that fails
// is logged and skipped; retrying the batch would re-push the records that
// already went out.
func (d *Dispatcher) HandleKinesisEvent(ctx context.Context, event events.KinesisEvent) error {
	ctx = d.Logger.WithContext(ctx)
	for _, record := range event.Records {
		if err := d.processRecord(ctx, record.Kinesis.Data); err != nil {
			d.Logger.Error().Err(err).
				Str("event_id", record.EventID).
				Msg("failed to process kinesis record")
		}
	}
	return nil
}

func (d *Dispatcher) processRecord(ctx context.Context, data []byte) error {
	var envelope publish.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("unmarshalling kinesis record: %w", err)
	}

	if envelope.UserID == "" {
		d.Logger.Warn().Msg("kinesis record has empty user id, skipping")
		return nil
	}
	if len(envelope.Payload) == 0 || string(envelope.Payload) == "null" {
		d.Logger.Warn().Str("user_id", envelope.UserID).Msg("kinesis record has empty payload, skipping")
		return nil
	}

	if d.Dry {
		d.Logger.Info().
			Str("user_id", envelope.UserID).
			RawJSON("payload", envelope.Payload).
			Msg("dry run, skipping push")
		return nil
	}

	report, err := d.Delivery.BroadcastToUser(ctx, envelope.UserID, envelope.Payload)
	d.Metrics.Gauge(ctx, questlabcli.BroadcastRecipientsName, float64(report.Recipients))
	if err != nil {
		return fmt.Errorf("broadcasting to user %v: %w", envelope.UserID, err)
	}

	d.Logger.Debug().
		Str("user_id", envelope.UserID).
		Int("delivered", report.Delivered).
		Int("pruned", report.Pruned).
		Msg("dispatched push")
	return nil
}

// Start runs the dispatcher as a Lambda, or in console mode by reading the
// push stream directly from its latest position.
func (d *Dispatcher) Start(streamName string) error {
	if !questlabcli.CommonOpts.Console {
		lambda.Start(d.HandleKinesisEvent)
		return nil
	}

	c, err := consumer.New(streamName, consumer.WithShardIteratorType("LATEST"))
	if err != nil {
		return fmt.Errorf("unable to create consumer for stream %v: %w", streamName, err)
	}

	ctx := d.Logger.WithContext(context.Background())
	d.Logger.Info().Str("stream", streamName).Msg("listening for push requests")
	return c.Scan(ctx, func(record *consumer.Record) error {
		if err := d.processRecord(ctx, record.Data); err != nil {
			d.Logger.Error().Err(err).Msg("failed to process kinesis record")
		}
		return nil
	})
}
