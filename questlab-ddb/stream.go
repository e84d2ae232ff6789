package questlabddb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams/dynamodbstreamsiface"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	"github.com/rs/zerolog"
	"github.com/savaki/ddb"
	"golang.org/x/sync/errgroup"
)

// Item is a raw DynamoDB item image as carried by a stream record.
type Item = map[string]*dynamodb.AttributeValue

// ItemCallbacks react to changes of a table's items. Any of them may be nil.
// OnUpdate needs a stream view that includes old images.
type ItemCallbacks struct {
	OnInsert func(ctx context.Context, item Item) error
	OnUpdate func(ctx context.Context, before, after Item) error
	OnRemove func(ctx context.Context, item Item) error
}

// StreamHandler routes a table's stream records to ItemCallbacks, as a Lambda
// or, in console mode, by tailing the stream's shards.
type StreamHandler struct {
	Logger    zerolog.Logger
	Callbacks ItemCallbacks

	shardLimit int
}

func NewStreamHandler(service questlabcli.Service, callbacks ItemCallbacks) *StreamHandler {
	return &StreamHandler{
		Logger:     questlabcli.Logger(service),
		Callbacks:  callbacks,
		shardLimit: 64,
	}
}

func (h *StreamHandler) Start(tableName string) error {
	if questlabcli.CommonOpts.Console {
		s := session.Must(session.NewSession(aws.NewConfig()))
		return h.Tail(context.Background(), dynamodbstreams.New(s), tableName)
	}
	lambda.Start(h.HandleEvent)
	return nil
}

// HandleEvent processes a Lambda batch in order. The first failing record
// fails the batch so the stream redelivers it.
func (h *StreamHandler) HandleEvent(ctx context.Context, event ddb.Event) error {
	for _, record := range event.Records {
		if err := h.HandleRecord(ctx, record); err != nil {
			h.Logger.Error().Err(err).Str("event_id", record.EventID).Msg("stream record failed")
			return fmt.Errorf("stream record %v: %w", record.EventID, err)
		}
	}
	return nil
}

func (h *StreamHandler) HandleRecord(ctx context.Context, record ddb.Record) error {
	cb := h.Callbacks
	switch record.EventName {
	case dynamodbstreams.OperationTypeInsert:
		if cb.OnInsert != nil {
			return cb.OnInsert(ctx, record.Change.NewImage)
		}
	case dynamodbstreams.OperationTypeModify:
		if cb.OnUpdate != nil {
			return cb.OnUpdate(ctx, record.Change.OldImage, record.Change.NewImage)
		}
	case dynamodbstreams.OperationTypeRemove:
		if cb.OnRemove != nil {
			return cb.OnRemove(ctx, record.Change.OldImage)
		}
	default:
		h.Logger.Debug().Str("event_name", record.EventName).Msg("ignoring stream record")
	}
	return nil
}

// Tail reads every shard of the table's stream from its latest position until
// a shard closes or a callback fails.
func (h *StreamHandler) Tail(ctx context.Context, api dynamodbstreamsiface.DynamoDBStreamsAPI, tableName string) error {
	streamArn, shards, err := findShards(ctx, api, tableName)
	if err != nil {
		return err
	}
	h.Logger.Info().Str("table", tableName).Int("shards", len(shards)).Msg("tailing table stream")

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(h.shardLimit)
	for _, shard := range shards {
		shard := shard
		group.Go(func() error {
			return h.readShard(ctx, api, streamArn, shard)
		})
	}
	return group.Wait()
}

func findShards(ctx context.Context, api dynamodbstreamsiface.DynamoDBStreamsAPI, tableName string) (*string, []*dynamodbstreams.Shard, error) {
	listed, err := api.ListStreamsWithContext(ctx, &dynamodbstreams.ListStreamsInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("listing streams of table %v: %w", tableName, err)
	}
	if n := len(listed.Streams); n != 1 {
		return nil, nil, fmt.Errorf("table %v has %v streams, want exactly one", tableName, n)
	}
	streamArn := listed.Streams[0].StreamArn

	var (
		shards []*dynamodbstreams.Shard
		after  *string
	)
	for {
		described, err := api.DescribeStreamWithContext(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             streamArn,
			ExclusiveStartShardId: after,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("describing stream %v: %w", aws.StringValue(streamArn), err)
		}
		shards = append(shards, described.StreamDescription.Shards...)
		after = described.StreamDescription.LastEvaluatedShardId
		if after == nil {
			return streamArn, shards, nil
		}
	}
}

func (h *StreamHandler) readShard(ctx context.Context, api dynamodbstreamsiface.DynamoDBStreamsAPI, streamArn *string, shard *dynamodbstreams.Shard) error {
	iterator, err := api.GetShardIteratorWithContext(ctx, &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         streamArn,
		ShardId:           shard.ShardId,
		ShardIteratorType: aws.String(dynamodbstreams.ShardIteratorTypeLatest),
	})
	if err != nil {
		return fmt.Errorf("shard iterator for %v: %w", aws.StringValue(shard.ShardId), err)
	}

	next := iterator.ShardIterator
	for next != nil {
		page, err := api.GetRecordsWithContext(ctx, &dynamodbstreams.GetRecordsInput{ShardIterator: next})
		if err != nil {
			return fmt.Errorf("reading shard %v: %w", aws.StringValue(shard.ShardId), err)
		}
		for _, raw := range page.Records {
			record, err := lambdaRecord(raw)
			if err != nil {
				return err
			}
			if err := h.HandleRecord(ctx, record); err != nil {
				return fmt.Errorf("stream record %v: %w", record.EventID, err)
			}
		}
		next = page.NextShardIterator
	}
	return nil
}

// lambdaRecord converts an SDK stream record into the shape Lambda delivers.
// Both serialize to the same JSON.
func lambdaRecord(raw *dynamodbstreams.Record) (ddb.Record, error) {
	var record ddb.Record
	data, err := json.Marshal(raw)
	if err != nil {
		return record, fmt.Errorf("encoding stream record: %w", err)
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("decoding stream record: %w", err)
	}
	return record, nil
}

// ParseItem unmarshals an item image into v.
func ParseItem(item Item, v interface{}) error {
	if err := dynamodbattribute.UnmarshalMap(item, v); err != nil {
		return fmt.Errorf("unable to unmarshal item: %w", err)
	}
	return nil
}
