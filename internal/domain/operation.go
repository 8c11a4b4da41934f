package domain

import (
	"time"

	"github.com/google/uuid"
)

// OperationKind enumerates the outreach actions the scheduler knows about.
type OperationKind string

const (
	OperationProfileView       OperationKind = "profile_view"
	OperationConnectionRequest OperationKind = "connection_request"
	OperationMessageSend       OperationKind = "message_send"
	OperationFollowUp          OperationKind = "follow_up"
	OperationInMailSend        OperationKind = "inmail_send"
	OperationProfileScrape     OperationKind = "profile_scrape"
	OperationSearchExecution   OperationKind = "search_execution"
)

// OperationStatus enumerates lifecycle stages for a scheduled operation.
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusScheduled  OperationStatus = "scheduled"
	OperationStatusInProgress OperationStatus = "in_progress"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
	OperationStatusRetrying   OperationStatus = "retrying"
	OperationStatusCancelled  OperationStatus = "cancelled"
)

// QuotaKey identifies the daily-limit bucket an operation kind consumes.
type QuotaKey string

const (
	QuotaConnections  QuotaKey = "connections"
	QuotaMessages     QuotaKey = "messages"
	QuotaProfileViews QuotaKey = "profile_views"
	QuotaInMails      QuotaKey = "inmails"
	QuotaGeneral      QuotaKey = "general"
)

var quotaKeyByKind = map[OperationKind]QuotaKey{
	OperationConnectionRequest: QuotaConnections,
	OperationMessageSend:       QuotaMessages,
	OperationFollowUp:          QuotaMessages,
	OperationProfileView:       QuotaProfileViews,
	OperationInMailSend:        QuotaInMails,
	OperationProfileScrape:     QuotaGeneral,
	OperationSearchExecution:   QuotaGeneral,
}

// QuotaKeyFor maps an operation kind to the quota bucket it draws from.
func QuotaKeyFor(kind OperationKind) (QuotaKey, bool) {
	key, ok := quotaKeyByKind[kind]
	return key, ok
}

// ValidKind reports whether kind is one of the known operation kinds.
func ValidKind(kind OperationKind) bool {
	_, ok := quotaKeyByKind[kind]
	return ok
}

var estimatedDurations = map[OperationKind]time.Duration{
	OperationProfileView:       30 * time.Second,
	OperationConnectionRequest: 60 * time.Second,
	OperationMessageSend:       45 * time.Second,
	OperationFollowUp:          45 * time.Second,
	OperationInMailSend:        60 * time.Second,
	OperationProfileScrape:     120 * time.Second,
	OperationSearchExecution:   180 * time.Second,
}

// EstimatedDuration returns the expected execution time for a kind.
func EstimatedDuration(kind OperationKind) time.Duration {
	if d, ok := estimatedDurations[kind]; ok {
		return d
	}
	return 60 * time.Second
}

// DelayMultiplier spaces some kinds further apart than others: connection
// requests draw more scrutiny from the provider, message sends less.
func DelayMultiplier(kind OperationKind) float64 {
	switch kind {
	case OperationConnectionRequest:
		return 1.5
	case OperationMessageSend:
		return 0.8
	default:
		return 1.0
	}
}

// ScheduleRequest captures everything a caller supplies when queueing an
// outreach action. It is embedded in the resulting ScheduledOperation.
type ScheduleRequest struct {
	Kind          OperationKind
	ContactID     string
	CampaignID    uuid.UUID
	UserID        uuid.UUID
	AccountID     string
	Priority      int // 1 = highest .. 5 = lowest
	PreferredTime *time.Time
	MaxDelayHours int
	RetryCount    int
	MaxRetries    int
	Metadata      map[string]any
}

// ScheduledOperation is a persisted scheduling decision.
type ScheduledOperation struct {
	ID                uuid.UUID
	Request           ScheduleRequest
	ScheduledTime     time.Time // UTC
	Status            OperationStatus
	EstimatedDuration time.Duration
	RetryAfter        *time.Time
	FailureReason     *string
	ProviderRef       *string
	DispatchedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CampaignScheduleStatus summarizes a campaign's operations by status.
type CampaignScheduleStatus struct {
	CampaignID    uuid.UUID
	Counts        map[OperationStatus]int64
	NextScheduled *time.Time
}
