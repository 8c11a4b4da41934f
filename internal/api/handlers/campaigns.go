package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type rescheduleCampaignRequest struct {
	DelayHours int `json:"delay_hours"`
}

type campaignScheduleResponse struct {
	CampaignID    uuid.UUID        `json:"campaign_id"`
	Counts        map[string]int64 `json:"counts"`
	NextScheduled *time.Time       `json:"next_scheduled,omitempty"`
}

func (h *HandlerSet) rescheduleCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req rescheduleCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.DelayHours < 0 {
		return fiber.NewError(http.StatusBadRequest, "delay_hours must not be negative")
	}

	affected, err := h.engine.RescheduleCampaign(ctx.Context(), id, req.DelayHours)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"campaign_id": id,
		"affected":    affected,
		"delay_hours": req.DelayHours,
	})
}

func (h *HandlerSet) campaignSchedule(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	status, err := h.engine.ScheduleStatus(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	resp := campaignScheduleResponse{
		CampaignID:    status.CampaignID,
		Counts:        make(map[string]int64, len(status.Counts)),
		NextScheduled: status.NextScheduled,
	}
	for st, n := range status.Counts {
		resp.Counts[string(st)] = n
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}
