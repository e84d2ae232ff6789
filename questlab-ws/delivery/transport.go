package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi/apigatewaymanagementapiiface"
)

// ManagementTransport posts to connections through the API Gateway Management
// API. The endpoint differs per deployment (domain and stage), so one client is
// cached per endpoint. The zero value builds clients from a default session.
type ManagementTransport struct {
	newClient func(endpoint string) apigatewaymanagementapiiface.ApiGatewayManagementApiAPI

	mu      sync.RWMutex
	clients map[string]apigatewaymanagementapiiface.ApiGatewayManagementApiAPI
}

func NewManagementTransport(s *session.Session) *ManagementTransport {
	return &ManagementTransport{
		newClient: sessionClients(s),
	}
}

func sessionClients(s *session.Session) func(string) apigatewaymanagementapiiface.ApiGatewayManagementApiAPI {
	return func(endpoint string) apigatewaymanagementapiiface.ApiGatewayManagementApiAPI {
		return apigatewaymanagementapi.New(s, aws.NewConfig().WithEndpoint(endpoint))
	}
}

// Endpoint returns the management API endpoint for a WebSocket API domain and stage.
func Endpoint(domainName, stage string) string {
	return fmt.Sprintf("https://%s/%s", domainName, stage)
}

func (t *ManagementTransport) Send(ctx context.Context, endpoint, connectionID string, data []byte) error {
	_, err := t.client(endpoint).PostToConnectionWithContext(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         data,
	})
	if err != nil {
		if IsGoneException(err) {
			return fmt.Errorf("%w: %v", ErrGone, err)
		}
		return err
	}
	return nil
}

func (t *ManagementTransport) client(endpoint string) apigatewaymanagementapiiface.ApiGatewayManagementApiAPI {
	t.mu.RLock()
	if client, ok := t.clients[endpoint]; ok {
		t.mu.RUnlock()
		return client
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock
	if client, ok := t.clients[endpoint]; ok {
		return client
	}

	if t.clients == nil {
		t.clients = make(map[string]apigatewaymanagementapiiface.ApiGatewayManagementApiAPI)
	}
	if t.newClient == nil {
		t.newClient = sessionClients(session.Must(session.NewSession(aws.NewConfig())))
	}

	client := t.newClient(endpoint)
	t.clients[endpoint] = client
	return client
}

// IsGoneException checks if the error is a GoneException (HTTP 410),
// indicating the WebSocket connection no longer exists.
func IsGoneException(err error) bool {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == http.StatusGone {
		return true
	}
	var ae awserr.Error
	if errors.As(err, &ae) && ae.Code() == apigatewaymanagementapi.ErrCodeGoneException {
		return true
	}
	return strings.Contains(err.Error(), apigatewaymanagementapi.ErrCodeGoneException)
}
