package convex

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// deployment settings loaded from the process environment
type ClientConfig struct {
	DeploymentUrl string `env:"CONVEX_URL"`
	SessionToken  string `env:"CONVEX_SESSION_TOKEN"`
	ServerRender  bool   `env:"CONVEX_SERVER_RENDER" envDefault:"false"`
}

func LoadClientConfig() (*ClientConfig, error) {
	config := &ClientConfig{}
	if err := env.Parse(config); err != nil {
		return nil, err
	}
	if config.DeploymentUrl == "" {
		return nil, fmt.Errorf("CONVEX_URL must be set")
	}
	return config, nil
}

// wires the default websocket client and a static token provider
// into an environment per the configured execution mode
func NewEnvFromConfig(ctx context.Context, config *ClientConfig) *Env {
	client := NewWsClientWithDefaults(ctx, config.DeploymentUrl)
	authProvider := NewStaticTokenAuth(config.SessionToken)
	if config.ServerRender {
		return NewServerEnv(ctx, client, authProvider)
	}
	return NewClientEnv(ctx, client, authProvider)
}
