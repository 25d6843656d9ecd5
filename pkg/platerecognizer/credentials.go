package platerecognizer

import (
	"context"
	"os"
	"strings"

	"github.com/menta2k/plate-redactor/pkg/types"
)

// EnvVar holds the API token by default
const EnvVar = "PLATE_RECOGNIZER_API_KEY"

// CredentialProvider yields the API token for one call
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// EnvCredentials reads the token from an environment variable on every call
type EnvCredentials struct {
	Var string
}

func (e EnvCredentials) Token(ctx context.Context) (string, error) {
	name := e.Var
	if name == "" {
		name = EnvVar
	}
	token := strings.TrimSpace(os.Getenv(name))
	if token == "" {
		return "", &types.ConfigurationError{Setting: name, Err: types.ErrMissingCredential}
	}
	return token, nil
}

// StaticCredentials is a fixed token
type StaticCredentials string

func (s StaticCredentials) Token(ctx context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", &types.ConfigurationError{Setting: "api_key", Err: types.ErrMissingCredential}
	}
	return token, nil
}
