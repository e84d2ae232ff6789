package questlabws

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	questlabauth "github.com/questlab-research/questlab-go-utils/questlab-auth"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	questlabsecret "github.com/questlab-research/questlab-go-utils/questlab-secret"
	"github.com/urfave/cli/v2"
)

var GatewayOpts struct {
	TokenSecretName string
	TokenSecret     string
	TokenTTL        time.Duration
	ConnTTL         time.Duration
	PushEndpoint    string
	Concurrency     int
	PushStream      string
}

var TokenSecretNameFlag = questlabcli.StringFlag("token-secret-name", "Secrets Manager secret holding the token signing_key", &GatewayOpts.TokenSecretName)
var TokenSecretFlag = questlabcli.StringFlag("token-secret", "raw token signing key, takes precedence over token-secret-name", &GatewayOpts.TokenSecret)
var TokenTTLFlag = questlabcli.DurationFlag("token-ttl", "lifetime of issued session tokens", &GatewayOpts.TokenTTL, questlabauth.DefaultTTL)
var ConnTTLFlag = questlabcli.DurationFlag("conn-ttl", "expiry of connection records", &GatewayOpts.ConnTTL, defaultConnTTL)
var PushEndpointFlag = questlabcli.StringFlag("push-endpoint", "management API endpoint for connections stored without one", &GatewayOpts.PushEndpoint)
var ConcurrencyFlag = questlabcli.IntFlag("concurrency", "parallel sends per broadcast", &GatewayOpts.Concurrency, 50)
var PushStreamFlag = questlabcli.StringFlag("push-stream", "kinesis stream carrying push requests (default {env}-questlab-ws-push)", &GatewayOpts.PushStream)

var TokenFlags = []cli.Flag{
	TokenSecretNameFlag,
	TokenSecretFlag,
	TokenTTLFlag,
}

var DeliveryFlags = []cli.Flag{
	PushEndpointFlag,
	ConcurrencyFlag,
}

// LoadTokens builds the token service from the configured signing key.
func LoadTokens(s *session.Session) (*questlabauth.Tokens, error) {
	if GatewayOpts.TokenSecret != "" {
		return questlabauth.New([]byte(GatewayOpts.TokenSecret), GatewayOpts.TokenTTL), nil
	}
	if GatewayOpts.TokenSecretName == "" {
		return nil, fmt.Errorf("one of --token-secret or --token-secret-name is required")
	}

	key, err := questlabsecret.LoadSigningKey(s, GatewayOpts.TokenSecretName)
	if err != nil {
		return nil, err
	}
	return questlabauth.New(key, GatewayOpts.TokenTTL), nil
}
