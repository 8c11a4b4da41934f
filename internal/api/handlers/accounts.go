package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/linkedin-outreach/internal/domain"
)

type registerAccountRequest struct {
	ID           string         `json:"id"`
	DisplayName  string         `json:"display_name"`
	TimeZone     string         `json:"time_zone"`
	Days         []int          `json:"operational_days"`
	StartHour    int            `json:"start_hour"`
	EndHour      int            `json:"end_hour"`
	DailyQuotas  map[string]int `json:"daily_quotas"`
	Active       *bool          `json:"active"`
	MinDelay     string         `json:"min_delay"`
	MaxDelay     string         `json:"max_delay"`
	RandomFactor float64        `json:"random_factor"`
}

type accountStatusResponse struct {
	AccountID    string         `json:"account_id"`
	DisplayName  string         `json:"display_name,omitempty"`
	TimeZone     string         `json:"time_zone"`
	Days         []int          `json:"operational_days"`
	StartHour    int            `json:"start_hour"`
	EndHour      int            `json:"end_hour"`
	Active       bool           `json:"active"`
	DailyQuotas  map[string]int `json:"daily_quotas"`
	Usage        map[string]int `json:"usage"`
	LastActivity *time.Time     `json:"last_activity,omitempty"`
}

func (h *HandlerSet) registerAccount(ctx *fiber.Ctx) error {
	var req registerAccountRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	account := &domain.Account{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		TimeZone:    req.TimeZone,
		Hours: domain.OperationalHours{
			StartHour: req.StartHour,
			EndHour:   req.EndHour,
		},
		Active: true,
	}
	for _, d := range req.Days {
		account.Hours.Days = append(account.Hours.Days, time.Weekday(d))
	}
	if req.Active != nil {
		account.Active = *req.Active
	}

	if len(req.DailyQuotas) > 0 {
		account.DailyQuotas = make(map[domain.QuotaKey]int, len(req.DailyQuotas))
		for key, limit := range req.DailyQuotas {
			account.DailyQuotas[domain.QuotaKey(key)] = limit
		}
	}

	if req.MinDelay != "" {
		d, err := time.ParseDuration(req.MinDelay)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid min_delay")
		}
		account.Delay.MinDelay = d
	}
	if req.MaxDelay != "" {
		d, err := time.ParseDuration(req.MaxDelay)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid max_delay")
		}
		account.Delay.MaxDelay = d
	}
	account.Delay.RandomFactor = req.RandomFactor

	if err := h.registry.Register(ctx.Context(), account); err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(fiber.Map{"id": account.ID})
}

func (h *HandlerSet) accountStatus(ctx *fiber.Ctx) error {
	status, err := h.registry.Status(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}

	resp := accountStatusResponse{
		AccountID:   status.AccountID,
		DisplayName: status.DisplayName,
		TimeZone:    status.TimeZone,
		Days:        make([]int, 0, len(status.Hours.Days)),
		StartHour:   status.Hours.StartHour,
		EndHour:     status.Hours.EndHour,
		Active:      status.Active,
		DailyQuotas: make(map[string]int, len(status.DailyQuotas)),
		Usage:       make(map[string]int, len(status.Usage)),
	}
	for _, d := range status.Hours.Days {
		resp.Days = append(resp.Days, int(d))
	}
	for key, limit := range status.DailyQuotas {
		resp.DailyQuotas[string(key)] = limit
	}
	for key, used := range status.Usage {
		resp.Usage[string(key)] = used
	}
	if !status.LastActivity.IsZero() {
		resp.LastActivity = &status.LastActivity
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}
