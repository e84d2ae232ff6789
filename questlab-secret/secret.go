// Package questlabsecret provides AWS Secrets Manager integration for loading
// configuration secrets into Go structs.
package questlabsecret

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/savaki/secrets"
)

func LoadSecret(s *session.Session, secretName string, data interface{}) error {
	api := secrets.WithSecretsManager(secretsmanager.New(s))
	manager, err := secrets.NewManager(api)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets: %w", err)
	}

	if err := manager.Decode(secretName, data); err != nil {
		return fmt.Errorf("failed to load secret %v: %w", secretName, err)
	}
	return nil
}

// SigningKey is the shape of the secret holding the session token signing key.
type SigningKey struct {
	Key string `json:"signing_key"`
}

// LoadSigningKey reads the session token signing key from the named secret.
func LoadSigningKey(s *session.Session, secretName string) ([]byte, error) {
	var sk SigningKey
	if err := LoadSecret(s, secretName, &sk); err != nil {
		return nil, err
	}
	if sk.Key == "" {
		return nil, fmt.Errorf("secret %v has an empty signing_key", secretName)
	}
	return []byte(sk.Key), nil
}
