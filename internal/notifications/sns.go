// Package notifications publishes operator alerts: credential health
// transitions from the pool and budget exhaustion from the quota
// engine. Delivery is best-effort; callers never block on it.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/emberchat/backend/internal/domain"
)

type AlertType string

const (
	AlertCredentialDown  AlertType = "credential_down"
	AlertBudgetExhausted AlertType = "budget_exhausted"
)

type Alert struct {
	Type         AlertType `json:"type"`
	TenantID     string    `json:"tenant_id,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Message      string    `json:"message"`
}

type Publisher interface {
	Publish(ctx context.Context, alert Alert) error
}

// Notifier fans Alert publishing out to the pool and quota engine
// callback shapes, suppressing repeats through the deduplicator.
type Notifier struct {
	pub   Publisher
	dedup Deduplicator
}

func NewNotifier(pub Publisher, opts ...NotifierOption) *Notifier {
	n := &Notifier{pub: pub, dedup: NewInMemoryDeduplicator(time.Hour)}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type NotifierOption func(*Notifier)

// WithDeduplicator replaces the default in-memory suppression,
// typically with the redis-backed one in multi-replica deployments.
func WithDeduplicator(d Deduplicator) NotifierOption {
	return func(n *Notifier) { n.dedup = d }
}

func (n *Notifier) CredentialDown(ctx context.Context, credentialID, lastError string) {
	if !n.dedup.ShouldAlert(ctx, string(AlertCredentialDown)+":"+credentialID) {
		return
	}
	err := n.pub.Publish(ctx, Alert{
		Type:         AlertCredentialDown,
		CredentialID: credentialID,
		Reason:       lastError,
		Message:      fmt.Sprintf("credential %s marked down", credentialID),
	})
	if err != nil {
		slog.Warn("credential-down alert failed", "credential_id", credentialID, "error", err)
	}
}

func (n *Notifier) BudgetExhausted(ctx context.Context, tenantID string, reason domain.DenyReason) {
	if !n.dedup.ShouldAlert(ctx, string(AlertBudgetExhausted)+":"+tenantID+":"+string(reason)) {
		return
	}
	err := n.pub.Publish(ctx, Alert{
		Type:     AlertBudgetExhausted,
		TenantID: tenantID,
		Reason:   string(reason),
		Message:  fmt.Sprintf("tenant %s denied: %s", tenantID, reason),
	})
	if err != nil {
		slog.Warn("budget alert failed", "tenant_id", tenantID, "error", err)
	}
}

type SNSPublisher struct {
	client   *sns.Client
	topicArn string
}

func NewSNSPublisher(ctx context.Context, region, topicArn string) (*SNSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSPublisher{client: sns.NewFromConfig(cfg), topicArn: topicArn}, nil
}

func NewSNSPublisherWithConfig(cfg aws.Config, topicArn string) *SNSPublisher {
	return &SNSPublisher{client: sns.NewFromConfig(cfg), topicArn: topicArn}
}

func (p *SNSPublisher) Publish(ctx context.Context, alert Alert) error {
	message, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(alert.Type)),
			},
		},
	}
	if alert.TenantID != "" {
		input.MessageAttributes["TenantID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(alert.TenantID),
		}
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	slog.Info("alert published", "type", alert.Type, "tenant_id", alert.TenantID, "credential_id", alert.CredentialID)
	return nil
}

type InMemoryPublisher struct {
	mu     sync.Mutex
	alerts []Alert
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Publish(ctx context.Context, alert Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *InMemoryPublisher) Alerts() []Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Alert, len(p.alerts))
	copy(out, p.alerts)
	return out
}
