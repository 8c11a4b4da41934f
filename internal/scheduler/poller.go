package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/linkedin-outreach/internal/queue"
	"github.com/acme/linkedin-outreach/pkg/logger"
)

// Poller periodically fetches due operations and hands them to the
// execution pipeline.
type Poller struct {
	engine     *Engine
	dispatcher *queue.OperationDispatcher
	logger     *logger.Logger
	interval   time.Duration
	batchSize  int
}

// NewPoller constructs a poller.
func NewPoller(engine *Engine, dispatcher *queue.OperationDispatcher, lg *logger.Logger, interval time.Duration, batchSize int) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Poller{
		engine:     engine,
		dispatcher: dispatcher,
		logger:     lg,
		interval:   interval,
		batchSize:  batchSize,
	}
}

// Run executes the poll loop until cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("poller: tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) tick(ctx context.Context) error {
	tracer := otel.Tracer("outreach.poller")
	sctx, span := tracer.Start(ctx, "poller.tick")
	defer span.End()

	due, err := p.engine.OperationsDue(sctx, time.Time{}, p.batchSize)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("operations.due", len(due)))

	dispatched := 0
	for _, op := range due {
		if op.DispatchedAt != nil {
			continue
		}

		_, ospan := tracer.Start(sctx, "poller.dispatch", trace.WithAttributes(
			attribute.String("operation.id", op.ID.String()),
			attribute.String("account.id", op.Request.AccountID),
			attribute.Int("priority", op.Request.Priority),
		))

		if err := p.dispatcher.Dispatch(sctx, p.engine.DispatchMessageFor(op)); err != nil {
			ospan.RecordError(err)
			p.logger.Error("poller: dispatch failed", zap.Error(err), zap.String("operation_id", op.ID.String()))
			ospan.End()
			continue
		}
		if err := p.engine.MarkDispatched(sctx, op); err != nil {
			ospan.RecordError(err)
			p.logger.Error("poller: mark dispatched", zap.Error(err), zap.String("operation_id", op.ID.String()))
		}
		dispatched++
		ospan.End()
	}

	if dispatched > 0 {
		p.logger.Info("poller: dispatched due operations", zap.Int("count", dispatched))
	}
	return nil
}
