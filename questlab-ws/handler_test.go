package questlabws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	questlabauth "github.com/questlab-research/questlab-go-utils/questlab-auth"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/connectiondao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/identitydao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/wstest"
	"github.com/rs/zerolog"
	"github.com/tj/assert"
)

const (
	testDomain   = "abc.execute-api.us-east-2.amazonaws.com"
	testStage    = "dev"
	testEndpoint = "https://" + testDomain + "/" + testStage
)

var (
	alice = identitydao.Identity{ID: "u1", Email: "alice@example.com", DisplayName: "Alice"}
	bob   = identitydao.Identity{ID: "u2", Email: "bob@example.com", DisplayName: "Bob"}
)

type fixture struct {
	handler    *Handler
	registry   *wstest.Registry
	transport  *wstest.Transport
	identities *wstest.Identities
	tokens     *questlabauth.Tokens
}

func newFixture() *fixture {
	var (
		registry   = wstest.NewRegistry()
		transport  = wstest.NewTransport()
		identities = wstest.NewIdentities(alice, bob)
		tokens     = questlabauth.New([]byte("handler-test-secret"), time.Hour)
	)
	return &fixture{
		handler: &Handler{
			Connections: registry,
			Identities:  identities,
			Tokens:      tokens,
			Delivery:    delivery.New(registry, transport, zerolog.Nop()),
			Logger:      zerolog.Nop(),
		},
		registry:   registry,
		transport:  transport,
		identities: identities,
		tokens:     tokens,
	}
}

func (f *fixture) token(t *testing.T, identity identitydao.Identity) string {
	token, err := f.tokens.Issue(questlabauth.Identity{ID: identity.ID, Email: identity.Email, DisplayName: identity.DisplayName})
	assert.NoError(t, err)
	return token
}

func event(route, connID string) events.APIGatewayWebsocketProxyRequest {
	return events.APIGatewayWebsocketProxyRequest{
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			ConnectionID: connID,
			RouteKey:     route,
			DomainName:   testDomain,
			Stage:        testStage,
		},
	}
}

func connectEvent(connID, token string) events.APIGatewayWebsocketProxyRequest {
	req := event(RouteConnect, connID)
	if token != "" {
		req.QueryStringParameters = map[string]string{TokenParam: token}
	}
	return req
}

func messageEvent(connID, body string) events.APIGatewayWebsocketProxyRequest {
	req := event(RouteDefault, connID)
	req.Body = body
	return req
}

func (f *fixture) do(t *testing.T, req events.APIGatewayWebsocketProxyRequest) int {
	resp, err := f.handler.HandleEvent(context.Background(), req)
	assert.NoError(t, err)
	return resp.StatusCode
}

func (f *fixture) connect(t *testing.T, connID string, identity identitydao.Identity) {
	assert.Equal(t, http.StatusOK, f.do(t, connectEvent(connID, f.token(t, identity))))
}

func (f *fixture) find(t *testing.T, connID string) *connectiondao.Connection {
	conn, err := f.registry.FindByConnectionID(context.Background(), connID)
	assert.NoError(t, err)
	return conn
}

func decode(t *testing.T, data []byte) (string, map[string]interface{}) {
	var msg struct {
		Action string                 `json:"action"`
		Data   map[string]interface{} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(data, &msg))
	return msg.Action, msg.Data
}

func TestConnect(t *testing.T) {
	t.Run("valid token creates record", func(t *testing.T) {
		f := newFixture()
		f.handler.now = func() time.Time { return time.Unix(1700000000, 0) }
		f.connect(t, "c1", alice)

		conn := f.find(t, "c1")
		assert.NotNil(t, conn)
		assert.Equal(t, alice.ID, conn.UserID)
		assert.Equal(t, testEndpoint, conn.Endpoint)
		assert.EqualValues(t, 1700000000, conn.CreatedAt)
		assert.EqualValues(t, 1700000000+int64(defaultConnTTL.Seconds()), conn.TTL)
		assert.Equal(t, 1, f.registry.Len())
	})

	t.Run("bearer header", func(t *testing.T) {
		f := newFixture()
		req := connectEvent("c1", "")
		req.Headers = map[string]string{"authorization": "Bearer " + f.token(t, alice)}
		assert.Equal(t, http.StatusOK, f.do(t, req))
		assert.NotNil(t, f.find(t, "c1"))
	})

	t.Run("missing or invalid token", func(t *testing.T) {
		other := questlabauth.New([]byte("another-secret"), time.Hour)
		forged, err := other.Issue(questlabauth.Identity{ID: alice.ID})
		assert.NoError(t, err)

		issued := time.Now().Add(-2 * time.Hour)
		stale, err := jwt.NewWithClaims(jwt.SigningMethodHS256, questlabauth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   alice.ID,
				Issuer:    "questlab",
				IssuedAt:  jwt.NewNumericDate(issued),
				ExpiresAt: jwt.NewNumericDate(issued.Add(time.Hour)),
			},
		}).SignedString([]byte("handler-test-secret"))
		assert.NoError(t, err)

		basic := connectEvent("c1", "")
		basic.Headers = map[string]string{"Authorization": "Basic abc"}

		requests := map[string]events.APIGatewayWebsocketProxyRequest{
			"missing": connectEvent("c1", ""),
			"garbage": connectEvent("c1", "not-a-token"),
			"forged":  connectEvent("c1", forged),
			"expired": connectEvent("c1", stale),
			"basic":   basic,
		}
		for name, req := range requests {
			t.Run(name, func(t *testing.T) {
				f := newFixture()
				assert.Equal(t, http.StatusUnauthorized, f.do(t, req))
				assert.Equal(t, 0, f.registry.Len())
			})
		}
	})

	t.Run("reconnect overwrites", func(t *testing.T) {
		f := newFixture()
		f.connect(t, "c1", alice)
		f.connect(t, "c1", bob)

		assert.Equal(t, 1, f.registry.Len())
		assert.Equal(t, bob.ID, f.find(t, "c1").UserID)
	})

	t.Run("store unavailable", func(t *testing.T) {
		f := newFixture()
		token := f.token(t, alice)
		f.registry.Err = connectiondao.ErrUnavailable
		assert.Equal(t, http.StatusInternalServerError, f.do(t, connectEvent("c1", token)))
	})
}

func TestDisconnect(t *testing.T) {
	f := newFixture()
	f.connect(t, "c1", alice)

	assert.Equal(t, http.StatusOK, f.do(t, event(RouteDisconnect, "c1")))
	assert.Nil(t, f.find(t, "c1"))

	// a second disconnect, or one for an unknown connection, is not an error
	assert.Equal(t, http.StatusOK, f.do(t, event(RouteDisconnect, "c1")))
	assert.Equal(t, http.StatusOK, f.do(t, event(RouteDisconnect, "never-seen")))

	t.Run("store failure is still acknowledged", func(t *testing.T) {
		f := newFixture()
		f.registry.Err = connectiondao.ErrUnavailable
		resp, err := f.handler.HandleEvent(context.Background(), event(RouteDisconnect, "c1"))
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, resp.Body)
	})
}

func TestMessage(t *testing.T) {
	t.Run("ping", func(t *testing.T) {
		for _, body := range []string{`{"action":"ping"}`, `{"event":"ping"}`} {
			f := newFixture()
			f.handler.now = func() time.Time { return time.UnixMilli(1700000000123) }
			f.connect(t, "c1", alice)

			assert.Equal(t, http.StatusOK, f.do(t, messageEvent("c1", body)))

			sent := f.transport.SentTo("c1")
			assert.Len(t, sent, 1)
			action, data := decode(t, sent[0])
			assert.Equal(t, ActionPong, action)
			assert.EqualValues(t, 1700000000123, data["timestamp"])
			assert.Equal(t, testEndpoint, f.transport.Sent()[0].Endpoint)
		}
	})

	t.Run("unregistered connection is unauthorized", func(t *testing.T) {
		f := newFixture()
		assert.Equal(t, http.StatusUnauthorized, f.do(t, messageEvent("c1", `{"action":"ping"}`)))
		assert.Len(t, f.transport.Sent(), 0)
	})

	t.Run("store unavailable", func(t *testing.T) {
		f := newFixture()
		f.connect(t, "c1", alice)
		f.registry.Err = connectiondao.ErrUnavailable
		assert.Equal(t, http.StatusInternalServerError, f.do(t, messageEvent("c1", `{"action":"ping"}`)))
	})

	t.Run("unknown action", func(t *testing.T) {
		f := newFixture()
		f.connect(t, "c1", alice)

		assert.Equal(t, http.StatusBadRequest, f.do(t, messageEvent("c1", `{"action":"dance"}`)))

		sent := f.transport.SentTo("c1")
		assert.Len(t, sent, 1)
		action, data := decode(t, sent[0])
		assert.Equal(t, ActionError, action)
		assert.Contains(t, data["message"], "dance")
		assert.NotNil(t, f.find(t, "c1"))
	})

	t.Run("malformed body", func(t *testing.T) {
		for _, body := range []string{``, `not json`, `[]`, `{"data":{}}`, `{"action":""}`} {
			f := newFixture()
			f.connect(t, "c1", alice)

			assert.Equal(t, http.StatusBadRequest, f.do(t, messageEvent("c1", body)), body)
			action, _ := decode(t, f.transport.SentTo("c1")[0])
			assert.Equal(t, ActionError, action)
			assert.Equal(t, alice.ID, f.find(t, "c1").UserID)
		}
	})

	t.Run("reply to a gone connection prunes it", func(t *testing.T) {
		f := newFixture()
		f.connect(t, "c1", alice)
		f.transport.Gone["c1"] = true

		assert.Equal(t, http.StatusOK, f.do(t, messageEvent("c1", `{"action":"ping"}`)))
		assert.Nil(t, f.find(t, "c1"))
	})
}

func TestTokenRefresh(t *testing.T) {
	refresh := func(token string) string {
		b, _ := json.Marshal(map[string]interface{}{
			"action": ActionTokenRefresh,
			"data":   TokenRefreshRequest{Token: token},
		})
		return string(b)
	}

	t.Run("issues a fresh token with current claims", func(t *testing.T) {
		f := newFixture()
		f.connect(t, "c1", alice)
		old := f.token(t, alice)

		f.identities.Records[alice.ID] = identitydao.Identity{ID: alice.ID, Email: "alice@new.example.com", DisplayName: "Alice B"}
		assert.Equal(t, http.StatusOK, f.do(t, messageEvent("c1", refresh(old))))

		action, data := decode(t, f.transport.SentTo("c1")[0])
		assert.Equal(t, ActionTokenRefreshed, action)

		claims, err := f.tokens.Verify(data["token"].(string))
		assert.NoError(t, err)
		assert.Equal(t, alice.ID, claims.Subject)
		assert.Equal(t, "alice@new.example.com", claims.Email)
		assert.Equal(t, "Alice B", claims.DisplayName)
	})

	t.Run("legacy event field", func(t *testing.T) {
		f := newFixture()
		f.connect(t, "c1", alice)
		body := `{"event":"token-refresh","data":{"token":"` + f.token(t, alice) + `"}}`
		assert.Equal(t, http.StatusOK, f.do(t, messageEvent("c1", body)))

		action, _ := decode(t, f.transport.SentTo("c1")[0])
		assert.Equal(t, ActionTokenRefreshed, action)
	})

	failures := map[string]struct {
		body    func(f *fixture, t *testing.T) string
		setup   func(f *fixture)
		message string
	}{
		"invalid token": {
			body:    func(*fixture, *testing.T) string { return refresh("not-a-token") },
			message: "invalid token",
		},
		"missing token": {
			body:    func(*fixture, *testing.T) string { return `{"action":"token-refresh"}` },
			message: "missing token",
		},
		"malformed data": {
			body:    func(*fixture, *testing.T) string { return `{"action":"token-refresh","data":"abc"}` },
			message: "invalid token-refresh payload",
		},
		"token for another user": {
			body:    func(f *fixture, t *testing.T) string { return refresh(f.token(t, bob)) },
			message: "invalid token",
		},
		"identity missing": {
			body:    func(f *fixture, t *testing.T) string { return refresh(f.token(t, alice)) },
			setup:   func(f *fixture) { delete(f.identities.Records, alice.ID) },
			message: "user not found",
		},
		"identity store down": {
			body:    func(f *fixture, t *testing.T) string { return refresh(f.token(t, alice)) },
			setup:   func(f *fixture) { f.identities.Err = identitydao.ErrUnavailable },
			message: "unable to refresh token",
		},
	}
	for name, tc := range failures {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			f.connect(t, "c1", alice)
			if tc.setup != nil {
				tc.setup(f)
			}

			assert.Equal(t, http.StatusOK, f.do(t, messageEvent("c1", tc.body(f, t))))

			sent := f.transport.SentTo("c1")
			assert.Len(t, sent, 1)
			action, data := decode(t, sent[0])
			assert.Equal(t, ActionError, action)
			assert.Equal(t, tc.message, data["message"])
			assert.NotNil(t, f.find(t, "c1"))
		})
	}
}

func TestResponseTimeByRoute(t *testing.T) {
	f := newFixture()
	cw := &wstest.CloudWatch{}
	f.handler.Metrics = questlabcli.NewMetrics(questlabcli.Service{Name: "handler-test"}, cw)

	f.connect(t, "c1", alice)
	f.do(t, messageEvent("c1", `{"action":"ping"}`))
	f.do(t, event(RouteDisconnect, "c1"))

	var routes []string
	for _, dims := range cw.Dimensions(string(questlabcli.ResponseTimeMetric)) {
		routes = append(routes, dims[string(questlabcli.RouteDimension)])
	}
	assert.Equal(t, []string{RouteConnect, RouteDefault, RouteDisconnect}, routes)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusBadRequest, f.do(t, event("$custom", "c1")))
}

func TestEndToEnd(t *testing.T) {
	f := newFixture()

	assert.Equal(t, http.StatusOK, f.do(t, connectEvent("c1", f.token(t, alice))))
	assert.Equal(t, http.StatusOK, f.do(t, messageEvent("c1", `{"action":"ping"}`)))

	action, data := decode(t, f.transport.SentTo("c1")[0])
	assert.Equal(t, ActionPong, action)
	_, ok := data["timestamp"].(float64)
	assert.True(t, ok)

	assert.Equal(t, http.StatusOK, f.do(t, event(RouteDisconnect, "c1")))
	assert.Nil(t, f.find(t, "c1"))
}

func TestRefreshErrorMessage(t *testing.T) {
	assert.Equal(t, "invalid token", refreshErrorMessage(errSubjectMismatch))
	assert.Equal(t, "unable to refresh token", refreshErrorMessage(errors.New("boom")))
}
