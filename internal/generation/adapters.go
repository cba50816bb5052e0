package generation

import (
	"context"
	"fmt"

	"genstudio/internal/domain"
	"genstudio/internal/infra/credentials"
	"genstudio/internal/providers/kie"
	"genstudio/internal/providers/turnstile"
)

// KieProvider resolves the Kie API key once per operation so a key stored
// through `apikey set kie` applies without a restart.
type KieProvider struct {
	Client *kie.Client
	Key    credentials.KeyFunc
}

func (p *KieProvider) Client(ctx context.Context) (TaskClient, error) {
	c := p.Client
	if c == nil {
		return nil, fmt.Errorf("%w: kie client", domain.ErrNotConfigured)
	}
	if p.Key != nil {
		key, err := p.Key(ctx)
		if err != nil {
			return nil, fmt.Errorf("kie: resolve api key: %w", err)
		}
		if key != "" {
			c = c.WithAPIKey(key)
		}
	}
	if !c.HasCredentials() {
		return nil, fmt.Errorf("%w: kie api key", domain.ErrNotConfigured)
	}
	return c, nil
}


// TurnstileVerifier resolves the Turnstile secret the same way.
type TurnstileVerifier struct {
	Client *turnstile.Client
	Key    credentials.KeyFunc
}

func (v *TurnstileVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	c := v.Client
	if c == nil {
		return false, fmt.Errorf("%w: turnstile client", domain.ErrNotConfigured)
	}
	if v.Key != nil {
		secret, err := v.Key(ctx)
		if err != nil {
			return false, fmt.Errorf("turnstile: resolve secret: %w", err)
		}
		if secret != "" {
			c = c.WithSecret(secret)
		}
	}
	if !c.HasCredentials() {
		return false, fmt.Errorf("%w: turnstile secret", domain.ErrNotConfigured)
	}
	res, err := c.Verify(ctx, token, remoteIP)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

var (
	_ TaskProvider = (*KieProvider)(nil)
	_ TaskClient   = (*kie.Client)(nil)
	_ Verifier     = (*TurnstileVerifier)(nil)
)
