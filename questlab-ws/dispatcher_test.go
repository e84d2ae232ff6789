package questlabws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/connectiondao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/publish"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/wstest"
	"github.com/rs/zerolog"
	"github.com/tj/assert"
)

func kinesisRecord(t *testing.T, id string, v interface{}) events.KinesisEventRecord {
	var data []byte
	switch v := v.(type) {
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		assert.NoError(t, err)
		data = b
	}
	return events.KinesisEventRecord{
		EventID: id,
		Kinesis: events.KinesisRecord{Data: data},
	}
}

func TestDispatcher(t *testing.T) {
	registry := wstest.NewRegistry(
		connectiondao.Connection{ConnectionID: "c1", UserID: "u1", Endpoint: testEndpoint},
		connectiondao.Connection{ConnectionID: "c2", UserID: "u1", Endpoint: testEndpoint},
		connectiondao.Connection{ConnectionID: "c3", UserID: "u2", Endpoint: testEndpoint},
	)
	transport := wstest.NewTransport()
	transport.Gone["c2"] = true

	dispatcher := &Dispatcher{
		Delivery: delivery.New(registry, transport, zerolog.Nop()),
		Logger:   zerolog.Nop(),
	}

	payload := json.RawMessage(`{"action":"notify","data":{"n":1}}`)
	err := dispatcher.HandleKinesisEvent(context.Background(), events.KinesisEvent{
		Records: []events.KinesisEventRecord{
			kinesisRecord(t, "1", "not json"),
			kinesisRecord(t, "2", publish.Envelope{Payload: payload}),
			kinesisRecord(t, "3", publish.Envelope{UserID: "u1"}),
			kinesisRecord(t, "4", publish.Envelope{UserID: "u1", Payload: payload}),
			kinesisRecord(t, "5", publish.Envelope{UserID: "nobody", Payload: payload}),
		},
	})
	assert.NoError(t, err)

	assert.Len(t, transport.SentTo("c1"), 1)
	assert.JSONEq(t, string(payload), string(transport.SentTo("c1")[0]))
	assert.Len(t, transport.SentTo("c3"), 0)

	// c2 was gone and is pruned; the others remain
	assert.Equal(t, 2, registry.Len())
	conn, err := registry.FindByConnectionID(context.Background(), "c2")
	assert.NoError(t, err)
	assert.Nil(t, conn)
}

func TestDispatcherRegistryFailure(t *testing.T) {
	registry := wstest.NewRegistry()
	registry.Err = connectiondao.ErrUnavailable

	dispatcher := &Dispatcher{
		Delivery: delivery.New(registry, wstest.NewTransport(), zerolog.Nop()),
		Logger:   zerolog.Nop(),
	}

	record := kinesisRecord(t, "1", publish.Envelope{UserID: "u1", Payload: json.RawMessage(`{}`)})
	assert.NoError(t, dispatcher.HandleKinesisEvent(context.Background(), events.KinesisEvent{
		Records: []events.KinesisEventRecord{record},
	}))
	assert.Error(t, dispatcher.processRecord(context.Background(), record.Kinesis.Data))
}

func TestDispatcherDryRun(t *testing.T) {
	registry := wstest.NewRegistry(
		connectiondao.Connection{ConnectionID: "c1", UserID: "u1", Endpoint: testEndpoint},
	)
	transport := wstest.NewTransport()
	dispatcher := &Dispatcher{
		Delivery: delivery.New(registry, transport, zerolog.Nop()),
		Logger:   zerolog.Nop(),
		Dry:      true,
	}

	record := kinesisRecord(t, "1", publish.Envelope{UserID: "u1", Payload: json.RawMessage(`{"action":"notify"}`)})
	assert.NoError(t, dispatcher.processRecord(context.Background(), record.Kinesis.Data))
	assert.Len(t, transport.Sent(), 0)
	assert.Equal(t, 1, registry.Len())
}
