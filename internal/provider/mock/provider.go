package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/acme/linkedin-outreach/internal/config"
	"github.com/acme/linkedin-outreach/internal/provider"
	"github.com/acme/linkedin-outreach/internal/queue"
)

// Provider simulates the outreach automation vendor.
type Provider struct {
	successRate float64
	timeout     time.Duration
	rng         *rand.Rand
}

// NewProvider constructs a mock provider with deterministic randomness.
func NewProvider(cfg config.ProviderConfig) *Provider {
	seed := time.Now().UnixNano()
	return &Provider{
		successRate: 0.8,
		timeout:     cfg.RequestTimeout,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Perform simulates one provider action.
func (p *Provider) Perform(ctx context.Context, msg queue.DispatchMessage) (provider.Result, error) {
	duration := time.Duration(1+p.rng.Intn(3)) * time.Second

	select {
	case <-ctx.Done():
		return provider.Result{Duration: duration, Retryable: true, Error: ctx.Err().Error()}, ctx.Err()
	case <-time.After(duration):
	}

	if p.rng.Float64() <= p.successRate {
		return provider.Result{
			Success:    true,
			TrackingID: fmt.Sprintf("mock-%s-%d", msg.Kind, p.rng.Int63()),
			Duration:   duration,
		}, nil
	}

	retryable := p.rng.Float64() < 0.7
	return provider.Result{Duration: duration, Retryable: retryable, Error: "simulated provider failure"}, nil
}
