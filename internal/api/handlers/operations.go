package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/linkedin-outreach/internal/domain"
)

type scheduleOperationRequest struct {
	Kind          string         `json:"kind"`
	ContactID     string         `json:"contact_id"`
	CampaignID    string         `json:"campaign_id"`
	UserID        string         `json:"user_id"`
	AccountID     string         `json:"account_id"`
	Priority      int            `json:"priority"`
	PreferredTime *time.Time     `json:"preferred_time"`
	MaxDelayHours int            `json:"max_delay_hours"`
	MaxRetries    int            `json:"max_retries"`
	Metadata      map[string]any `json:"metadata"`
}

type operationResponse struct {
	ID                uuid.UUID      `json:"id"`
	Kind              string         `json:"kind"`
	ContactID         string         `json:"contact_id"`
	CampaignID        uuid.UUID      `json:"campaign_id"`
	AccountID         string         `json:"account_id"`
	Priority          int            `json:"priority"`
	Status            string         `json:"status"`
	ScheduledTime     time.Time      `json:"scheduled_time"`
	EstimatedDuration string         `json:"estimated_duration"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	RetryAfter        *time.Time     `json:"retry_after,omitempty"`
	FailureReason     *string        `json:"failure_reason,omitempty"`
	ProviderRef       *string        `json:"provider_ref,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type listOperationsResponse struct {
	Operations []operationResponse `json:"operations"`
}

func (h *HandlerSet) scheduleOperation(ctx *fiber.Ctx) error {
	var req scheduleOperationRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := domain.ScheduleRequest{
		Kind:          domain.OperationKind(req.Kind),
		ContactID:     req.ContactID,
		AccountID:     req.AccountID,
		Priority:      req.Priority,
		PreferredTime: req.PreferredTime,
		MaxDelayHours: req.MaxDelayHours,
		MaxRetries:    req.MaxRetries,
		Metadata:      req.Metadata,
	}
	if req.CampaignID != "" {
		id, err := uuid.Parse(req.CampaignID)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid campaign_id")
		}
		input.CampaignID = id
	}
	if req.UserID != "" {
		id, err := uuid.Parse(req.UserID)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid user_id")
		}
		input.UserID = id
	}

	op, err := h.engine.ScheduleOperation(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toOperationResponse(op))
}

func (h *HandlerSet) listDueOperations(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))

	at := time.Time{}
	if atStr := ctx.Query("at"); atStr != "" {
		parsed, err := time.Parse(time.RFC3339, atStr)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid at timestamp")
		}
		at = parsed
	}

	due, err := h.engine.OperationsDue(ctx.Context(), at, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listOperationsResponse{Operations: make([]operationResponse, 0, len(due))}
	for _, op := range due {
		resp.Operations = append(resp.Operations, toOperationResponse(op))
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getOperation(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid operation id")
	}

	op, err := h.engine.GetOperation(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toOperationResponse(op))
}

func (h *HandlerSet) executeOperation(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid operation id")
	}

	success, err := h.engine.ExecuteOperation(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	op, err := h.engine.GetOperation(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"success":   success,
		"operation": toOperationResponse(op),
	})
}

func (h *HandlerSet) retryOperation(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid operation id")
	}

	rescheduled, err := h.engine.HandleRetry(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	op, err := h.engine.GetOperation(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"rescheduled": rescheduled,
		"operation":   toOperationResponse(op),
	})
}

func (h *HandlerSet) cancelOperation(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid operation id")
	}

	if err := h.engine.CancelOperation(ctx.Context(), id); err != nil {
		return translateError(err)
	}

	return ctx.SendStatus(http.StatusNoContent)
}

func toOperationResponse(op *domain.ScheduledOperation) operationResponse {
	return operationResponse{
		ID:                op.ID,
		Kind:              string(op.Request.Kind),
		ContactID:         op.Request.ContactID,
		CampaignID:        op.Request.CampaignID,
		AccountID:         op.Request.AccountID,
		Priority:          op.Request.Priority,
		Status:            string(op.Status),
		ScheduledTime:     op.ScheduledTime,
		EstimatedDuration: op.EstimatedDuration.String(),
		RetryCount:        op.Request.RetryCount,
		MaxRetries:        op.Request.MaxRetries,
		RetryAfter:        op.RetryAfter,
		FailureReason:     op.FailureReason,
		ProviderRef:       op.ProviderRef,
		Metadata:          op.Request.Metadata,
		CreatedAt:         op.CreatedAt,
		UpdatedAt:         op.UpdatedAt,
	}
}
