package questlabws

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	questlabauth "github.com/questlab-research/questlab-go-utils/questlab-auth"
	"github.com/rs/zerolog"
)

const (
	policyVersion = "2012-10-17"
	invokeAction  = "execute-api:Invoke"

	EffectAllow = "Allow"
	EffectDeny  = "Deny"

	// ContextUserID is the authorizer context key carrying the authenticated user.
	ContextUserID = "userId"
)

// Authorizer approves $connect handshakes in front of the gateway. It verifies
// the token on its own; $connect verifies it again rather than trusting this decision.
type Authorizer struct {
	Tokens *questlabauth.Tokens
	Logger zerolog.Logger
}

// Authorize returns an allow policy for the requested resource carrying the
// user id, or a deny policy. It never returns an error.
func (a *Authorizer) Authorize(ctx context.Context, req events.APIGatewayCustomAuthorizerRequestTypeRequest) (resp events.APIGatewayCustomAuthorizerResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.Logger.Error().Str("panic", fmt.Sprint(r)).Msg("authorizer panicked, denying")
			resp, err = Deny(req.MethodArn), nil
		}
	}()

	token, err := RequestToken(req.QueryStringParameters, req.Headers)
	if err != nil {
		a.Logger.Info().Err(err).Msg("denying request without token")
		return Deny(req.MethodArn), nil
	}

	claims, err := a.Tokens.Verify(token)
	if err != nil {
		a.Logger.Info().Err(err).Msg("denying request with invalid token")
		return Deny(req.MethodArn), nil
	}

	a.Logger.Debug().Str("user_id", claims.Subject).Msg("allowing request")
	return Allow(claims.Subject, req.MethodArn), nil
}

// Allow builds an allow decision for resource carrying the user id as context.
func Allow(userID, resource string) events.APIGatewayCustomAuthorizerResponse {
	resp := policy(userID, EffectAllow, resource)
	resp.Context = map[string]interface{}{ContextUserID: userID}
	return resp
}

// Deny builds a deny decision for resource.
func Deny(resource string) events.APIGatewayCustomAuthorizerResponse {
	return policy("anonymous", EffectDeny, resource)
}

func policy(principalID, effect, resource string) events.APIGatewayCustomAuthorizerResponse {
	return events.APIGatewayCustomAuthorizerResponse{
		PrincipalID: principalID,
		PolicyDocument: events.APIGatewayCustomAuthorizerPolicy{
			Version: policyVersion,
			Statement: []events.IAMPolicyStatement{
				{
					Action:   []string{invokeAction},
					Effect:   effect,
					Resource: []string{resource},
				},
			},
		},
	}
}
