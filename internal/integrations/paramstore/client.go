// Package paramstore reads service secrets (the chat bot token and the
// answer pipeline token) from AWS SSM Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter. Consumers (e.g. the
// answers client) should depend on this interface rather than the concrete
// *Client so they remain testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads decrypted parameters from SSM and caches them for the
// lifetime of the process, so warm invocations never re-read a secret.
type Client struct {
	api ssmAPI

	mu     sync.Mutex
	cached map[string]string
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, cached: make(map[string]string)}, nil
}

// GetParameter returns the decrypted value of the named parameter, reading
// SSM at most once per name.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	c.mu.Lock()
	if v, hit := c.cached[name]; hit {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}

	value := aws.ToString(out.Parameter.Value)
	c.mu.Lock()
	if c.cached == nil {
		c.cached = make(map[string]string)
	}
	c.cached[name] = value
	c.mu.Unlock()
	return value, nil
}
