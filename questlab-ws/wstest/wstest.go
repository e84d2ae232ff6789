// Package wstest provides in-memory registry, identity, and transport fakes for
// exercising the gateway without DynamoDB or API Gateway.
package wstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/connectiondao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/identitydao"
)

// Registry is an in-memory connection registry.
type Registry struct {
	mu      sync.Mutex
	records map[string]connectiondao.Connection

	// Err, when set, is returned by every operation.
	Err error
}

func NewRegistry(conns ...connectiondao.Connection) *Registry {
	r := &Registry{records: map[string]connectiondao.Connection{}}
	for _, c := range conns {
		r.records[c.ConnectionID] = c
	}
	return r
}

func (r *Registry) Create(_ context.Context, conn connectiondao.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if conn.CreatedAt == 0 {
		conn.CreatedAt = time.Now().Unix()
	}
	r.records[conn.ConnectionID] = conn
	return nil
}

func (r *Registry) FindByConnectionID(_ context.Context, connectionID string) (*connectiondao.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	conn, ok := r.records[connectionID]
	if !ok {
		return nil, nil
	}
	return &conn, nil
}

func (r *Registry) FindByUserID(_ context.Context, userID string) ([]connectiondao.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var conns []connectiondao.Connection
	for _, c := range r.records {
		if c.UserID == userID {
			conns = append(conns, c)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ConnectionID < conns[j].ConnectionID })
	return conns, nil
}

func (r *Registry) Delete(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	delete(r.records, connectionID)
	return nil
}

// Len returns the number of stored records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Sent is a message posted through a Transport.
type Sent struct {
	Endpoint     string
	ConnectionID string
	Data         []byte
}

// Transport records every send. Connections listed in Gone report ErrGone and
// those in Fail return the mapped error.
type Transport struct {
	mu   sync.Mutex
	sent []Sent

	Gone map[string]bool
	Fail map[string]error
}

func NewTransport() *Transport {
	return &Transport{
		Gone: map[string]bool{},
		Fail: map[string]error{},
	}
}

func (t *Transport) Send(_ context.Context, endpoint, connectionID string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, Sent{Endpoint: endpoint, ConnectionID: connectionID, Data: data})
	if t.Gone[connectionID] {
		return fmt.Errorf("%w: GoneException: 410", delivery.ErrGone)
	}
	if err := t.Fail[connectionID]; err != nil {
		return err
	}
	return nil
}

// Sent returns the sends made so far.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// SentTo returns the payloads sent to one connection.
func (t *Transport) SentTo(connectionID string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var data [][]byte
	for _, s := range t.sent {
		if s.ConnectionID == connectionID {
			data = append(data, s.Data)
		}
	}
	return data
}

// Identities is an in-memory identity store.
type Identities struct {
	Records map[string]identitydao.Identity
	Err     error
}

func NewIdentities(identities ...identitydao.Identity) *Identities {
	ids := &Identities{Records: map[string]identitydao.Identity{}}
	for _, id := range identities {
		ids.Records[id.ID] = id
	}
	return ids
}

func (i *Identities) Get(_ context.Context, id string) (*identitydao.Identity, error) {
	if i.Err != nil {
		return nil, i.Err
	}
	identity, ok := i.Records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", identitydao.ErrNotFound, id)
	}
	return &identity, nil
}

// CloudWatch records PutMetricData calls.
type CloudWatch struct {
	cloudwatchiface.CloudWatchAPI

	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
}

func (c *CloudWatch) PutMetricDataWithContext(_ aws.Context, input *cloudwatch.PutMetricDataInput, _ ...request.Option) (*cloudwatch.PutMetricDataOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, input)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

// Calls returns the number of PutMetricData calls made.
func (c *CloudWatch) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}

// Values sums the published values per metric name.
func (c *CloudWatch) Values() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := map[string]float64{}
	for _, input := range c.inputs {
		for _, datum := range input.MetricData {
			values[aws.StringValue(datum.MetricName)] += aws.Float64Value(datum.Value)
		}
	}
	return values
}

// Dimensions returns the dimensions of every datum published for name.
func (c *CloudWatch) Dimensions(name string) []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []map[string]string
	for _, input := range c.inputs {
		for _, datum := range input.MetricData {
			if aws.StringValue(datum.MetricName) != name {
				continue
			}
			dims := map[string]string{}
			for _, d := range datum.Dimensions {
				dims[aws.StringValue(d.Name)] = aws.StringValue(d.Value)
			}
			all = append(all, dims)
		}
	}
	return all
}
