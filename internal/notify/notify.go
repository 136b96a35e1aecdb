// Package notify is the outbound boundary to whatever renders sessions.
// The core pushes three delta shapes; subscribers render them however
// they like.
package notify

import (
	"sync"

	"github.com/comhuhuan/agentize/internal/model"
)

// WidgetLines is an append of content lines to one widget.
type WidgetLines struct {
	SessionID string
	WidgetID  string
	Lines     []string
}

// WidgetMeta is a metadata replacement for one widget (buttons,
// collapse, progress).
type WidgetMeta struct {
	SessionID string
	WidgetID  string
	Meta      model.WidgetMeta
}

// SessionFields carries the session's scalar fields after a mutation.
type SessionFields struct {
	Session model.Session
}

// Subscriber receives deltas. Callbacks are invoked from the projector's
// mutation path and must not block.
type Subscriber interface {
	OnWidgetLines(WidgetLines)
	OnWidgetMeta(WidgetMeta)
	OnSessionFields(SessionFields)
}

// Hub fans deltas out to registered subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) Subscribe(sub Subscriber) {
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
}

func (h *Hub) PublishWidgetLines(delta WidgetLines) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.OnWidgetLines(delta)
	}
}

func (h *Hub) PublishWidgetMeta(delta WidgetMeta) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.OnWidgetMeta(delta)
	}
}

func (h *Hub) PublishSessionFields(delta SessionFields) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.OnSessionFields(delta)
	}
}
