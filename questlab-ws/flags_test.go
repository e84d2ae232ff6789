package questlabws

import (
	"testing"
	"time"

	"github.com/tj/assert"
)

func TestLoadTokens(t *testing.T) {
	saved := GatewayOpts
	defer func() { GatewayOpts = saved }()

	t.Run("raw secret", func(t *testing.T) {
		GatewayOpts.TokenSecret = "console-secret"
		GatewayOpts.TokenTTL = time.Hour

		tokens, err := LoadTokens(nil)
		assert.NoError(t, err)
		assert.Equal(t, time.Hour, tokens.TTL())
	})

	t.Run("no secret configured", func(t *testing.T) {
		GatewayOpts.TokenSecret = ""
		GatewayOpts.TokenSecretName = ""

		_, err := LoadTokens(nil)
		assert.Error(t, err)
	})
}
