package domain

import "errors"

var (
	ErrTenantNotFound       = errors.New("tenant not found")
	ErrTenantExists         = errors.New("tenant already exists")
	ErrInvalidAPIKey        = errors.New("invalid API key")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrCredentialNotFound   = errors.New("credential not found")
	ErrPoolExhausted        = errors.New("credential pool exhausted")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrStreamTruncated      = errors.New("stream ended without a stop reason")
)

// DenyReason classifies an admission denial from the quota engine.
type DenyReason string

const (
	DenyNone           DenyReason = ""
	DenyNoSubscription DenyReason = "NO_SUBSCRIPTION"
	DenyQuotaExceeded  DenyReason = "QUOTA_EXCEEDED"
	DenyWindowExceeded DenyReason = "WINDOW_EXCEEDED"
	DenyWeeklyExceeded DenyReason = "WEEKLY_EXCEEDED"
)
