package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emberchat/backend/internal/domain"
)

// MessageRepository stores conversation turns. Compacted rows stay in
// place for audit; reads of active history exclude them.
type MessageRepository interface {
	EnsureConversation(ctx context.Context, id, tenantID string) error
	SetConversationTitle(ctx context.Context, id, title string) error
	ListActiveMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	InsertMessage(ctx context.Context, msg *domain.Message) error
	MarkCompacted(ctx context.Context, messageIDs []string) error
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

type conversation struct {
	ID       string
	TenantID string
	Title    string
}

type InMemoryMessageRepository struct {
	mu       sync.RWMutex
	convs    map[string]*conversation
	messages map[string][]domain.Message
}

func NewInMemoryMessageRepository() *InMemoryMessageRepository {
	return &InMemoryMessageRepository{
		convs:    make(map[string]*conversation),
		messages: make(map[string][]domain.Message),
	}
}

func (r *InMemoryMessageRepository) EnsureConversation(ctx context.Context, id, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.convs[id]; !ok {
		r.convs[id] = &conversation{ID: id, TenantID: tenantID}
	}
	return nil
}

func (r *InMemoryMessageRepository) SetConversationTitle(ctx context.Context, id, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.convs[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	conv.Title = title
	return nil
}

func (r *InMemoryMessageRepository) ListActiveMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Message
	for _, m := range r.messages[conversationID] {
		if !m.Compacted {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *InMemoryMessageRepository) InsertMessage(ctx context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], *msg)
	return nil
}

func (r *InMemoryMessageRepository) MarkCompacted(ctx context.Context, messageIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}
	for conv, msgs := range r.messages {
		for i := range msgs {
			if ids[msgs[i].ID] {
				msgs[i].Compacted = true
			}
		}
		r.messages[conv] = msgs
	}
	return nil
}

func (r *InMemoryMessageRepository) CountMessages(ctx context.Context, conversationID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages[conversationID]), nil
}
