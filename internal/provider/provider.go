package provider

import (
	"context"
	"time"

	"github.com/acme/linkedin-outreach/internal/queue"
)

// Result captures the outcome of one provider action.
type Result struct {
	Success    bool
	TrackingID string
	Duration   time.Duration
	Retryable  bool
	Error      string
}

// Provider abstracts the outreach automation vendor. Implementations must
// enforce their own bounded timeout and report failure rather than hang.
type Provider interface {
	Perform(ctx context.Context, msg queue.DispatchMessage) (Result, error)
}
