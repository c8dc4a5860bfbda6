package domain

import "time"

// CostUnits is the fixed-point currency used by the quota engine.
// One unit is $0.0001.
type CostUnits int64

const UnitsPerDollar CostUnits = 10000

func UnitsFromDollars(usd float64) CostUnits {
	return CostUnits(usd * float64(UnitsPerDollar))
}

func (u CostUnits) Dollars() float64 {
	return float64(u) / float64(UnitsPerDollar)
}

// Health is the derived status of an upstream credential.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthDown
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}

// Credential is one upstream API key/endpoint pair. Runtime state
// (concurrency, health, daily counters) is owned by the pool, not
// persisted on this struct.
type Credential struct {
	ID               string
	Name             string
	BaseURL          string
	APIKey           string
	SecretRef        string // optional secrets-manager reference resolved at load time
	Enabled          bool
	Priority         int
	Weight           int
	MaxConcurrency   int
	RateMultiplier   float64
	GroupMultipliers map[string]float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MultiplierFor returns the cost multiplier applied to usage routed
// through this credential for the given tenant group.
func (c *Credential) MultiplierFor(group string) float64 {
	if m, ok := c.GroupMultipliers[group]; ok && m > 0 {
		return m
	}
	if c.RateMultiplier > 0 {
		return c.RateMultiplier
	}
	return 1.0
}

// CredentialDayStats is the per-credential daily aggregate row.
type CredentialDayStats struct {
	CredentialID        string
	Day                 time.Time
	Requests            int64
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	CostUnits           CostUnits
}

// Tenant is one customer of the platform. LifetimeQuota/LifetimeUsed
// back the trial tier when no subscription is active.
type Tenant struct {
	ID            string
	Name          string
	APIKeyHash    string
	Group         string
	RateLimitRPM  int
	LifetimeQuota CostUnits
	LifetimeUsed  CostUnits
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Plan is a purchasable tier. Window/cycle lengths default to 5 hours
// and 7.5 days but are plan-level configuration.
type Plan struct {
	ID           string
	Name         string
	TotalQuota   CostUnits
	WindowBudget CostUnits
	WindowLength time.Duration
	CycleBudget  CostUnits
	CycleLength  time.Duration
}

// Subscription is a tenant's active billing-cycle grant.
type Subscription struct {
	ID           string
	TenantID     string
	PlanID       string
	StartAt      time.Time
	EndAt        time.Time
	TotalQuota   CostUnits
	TotalUsed    CostUnits
	WindowBudget CostUnits
	WindowUsed   CostUnits
	WindowStart  time.Time
	CycleBudget  CostUnits
	CycleUsed    CostUnits
	CycleStart   time.Time
	BonusUsed    CostUnits
}

func (s *Subscription) Active(now time.Time) bool {
	return now.Before(s.EndAt)
}

// Usage accumulates token counts across stream deltas and rounds.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// ContentPart is one block of a message body: text, an inline image,
// a tool call issued by the assistant, or a tool result.
type ContentPart struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	MediaType string         `json:"media_type,omitempty"`
	Data      string         `json:"data,omitempty"` // base64 for images
	ToolID    string         `json:"tool_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

const (
	PartText       = "text"
	PartImage      = "image"
	PartToolUse    = "tool_use"
	PartToolResult = "tool_result"
)

// Message is one persisted conversation turn. Compacted rows are
// excluded from future context; IsSummary marks compaction artifacts.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Parts          []ContentPart
	InputTokens    int
	OutputTokens   int
	Compacted      bool
	IsSummary      bool
	CreatedAt      time.Time
}

// ToolResult is what the external tool executor returns for one call.
type ToolResult struct {
	Content          string
	Sources          []string
	DocumentArtifact string
	IsError          bool
}
