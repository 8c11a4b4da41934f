package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/linkedin-outreach/internal/app"
	"github.com/acme/linkedin-outreach/internal/domain"
	"github.com/acme/linkedin-outreach/internal/queue"
	"github.com/acme/linkedin-outreach/internal/service/quota"
)

// Worker consumes dispatch events and executes operations through the
// scheduling engine. A per-account Redis slot keeps executions for one
// account serialized across worker processes.
type Worker struct {
	container *app.Container
	limiter   *quota.Limiter
}

// New creates a new executor worker.
func New(container *app.Container) *Worker {
	return &Worker{
		container: container,
		limiter:   container.Limiters().Execution,
	}
}

// Run starts the worker loop.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	reader := w.container.Kafka.NewReader(cfg.Kafka.DispatchTopic, cfg.Kafka.ConsumerGroupID)
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.container.Logger.Error("executor: fetch message", zap.Error(err))
			continue
		}

		if err := w.processMessage(ctx, reader, m); err != nil {
			w.container.Logger.Error("executor: process", zap.Error(err))
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, reader *kafka.Reader, m kafka.Message) error {
	var dispatch queue.DispatchMessage
	if err := json.Unmarshal(m.Value, &dispatch); err != nil {
		_ = reader.CommitMessages(ctx, m)
		return fmt.Errorf("unmarshal dispatch: %w", err)
	}

	tracer := otel.Tracer("outreach.executor")
	sctx, span := tracer.Start(ctx, "operation.execute", trace.WithAttributes(
		attribute.String("operation.id", dispatch.OperationID.String()),
		attribute.String("account.id", dispatch.AccountID),
		attribute.String("operation.kind", dispatch.Kind),
		attribute.Int("attempt", dispatch.Attempt),
	))
	defer span.End()

	release, err := w.waitForSlot(sctx, dispatch.AccountID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if release != nil {
		defer release()
	}

	engine := w.container.Services().Engine
	logger := w.container.Logger

	success, err := engine.ExecuteOperation(sctx, dispatch.OperationID)
	if err != nil {
		span.RecordError(err)
		logger.Error("executor: execute operation", zap.Error(err), zap.String("operation_id", dispatch.OperationID.String()))
		// Commit anyway: caller errors (missing account, bad state) never
		// heal by redelivery.
		if cerr := reader.CommitMessages(sctx, m); cerr != nil {
			return fmt.Errorf("commit message: %w", cerr)
		}
		return nil
	}

	if !success {
		op, gerr := engine.GetOperation(sctx, dispatch.OperationID)
		if gerr != nil {
			span.RecordError(gerr)
			logger.Error("executor: reload operation", zap.Error(gerr))
		} else if op.Status == domain.OperationStatusFailed {
			retried, rerr := engine.HandleRetry(sctx, dispatch.OperationID)
			if rerr != nil {
				span.RecordError(rerr)
				logger.Error("executor: handle retry", zap.Error(rerr), zap.String("operation_id", dispatch.OperationID.String()))
			} else {
				logger.Info("executor: operation failed",
					zap.String("operation_id", dispatch.OperationID.String()),
					zap.Bool("retry_scheduled", retried))
			}
		}
	}

	span.SetAttributes(attribute.Bool("operation.success", success))
	if err := reader.CommitMessages(sctx, m); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func (w *Worker) waitForSlot(ctx context.Context, accountID string) (func(), error) {
	limiter := w.limiter
	if limiter == nil || accountID == "" {
		return nil, nil
	}

	limit := w.container.Config.Quota.ExecutionSlots
	for {
		acquired, err := limiter.Acquire(ctx, accountID, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if acquired {
			release := func() {
				if err := limiter.Release(context.Background(), accountID); err != nil {
					w.container.Logger.Warn("executor: release slot", zap.Error(err))
				}
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
