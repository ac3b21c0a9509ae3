package eventbus

import (
	"context"
	"sync"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

// MemoryHub is an in-process bus joining several terminals of one location.
// Like the hosted bus, a published message reaches every member, the
// publisher included.
type MemoryHub struct {
	mu      sync.RWMutex
	members []*MemoryBus
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{}
}

// Join adds a terminal to the hub.
func (h *MemoryHub) Join() *MemoryBus {
	b := &MemoryBus{
		hub:  h,
		subs: make(map[model.MessageType][]chan model.WSMessage),
	}
	h.mu.Lock()
	h.members = append(h.members, b)
	h.mu.Unlock()
	return b
}

func (h *MemoryHub) publish(ctx context.Context, msg model.WSMessage) error {
	h.mu.RLock()
	members := append([]*MemoryBus(nil), h.members...)
	h.mu.RUnlock()
	for _, m := range members {
		if err := m.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// MemoryBus is one member's view of a MemoryHub.
type MemoryBus struct {
	hub *MemoryHub

	mu   sync.RWMutex
	subs map[model.MessageType][]chan model.WSMessage
	sent []model.WSMessage
}

func (b *MemoryBus) Publish(ctx context.Context, t model.MessageType, data any) error {
	msg, err := model.NewMessage(t, data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	b.mu.Unlock()
	return b.hub.publish(ctx, msg)
}

func (b *MemoryBus) Subscribe(t model.MessageType) <-chan model.WSMessage {
	ch := make(chan model.WSMessage, subscriberBuffer)
	b.mu.Lock()
	b.subs[t] = append(b.subs[t], ch)
	b.mu.Unlock()
	return ch
}

func (b *MemoryBus) Connected() bool { return true }

// GaveUp never fires on an in-process bus.
func (b *MemoryBus) GaveUp() <-chan struct{} { return nil }

// Sent returns the messages this member published, of any type if t is empty.
func (b *MemoryBus) Sent(t model.MessageType) []model.WSMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []model.WSMessage
	for _, m := range b.sent {
		if t == "" || m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (b *MemoryBus) deliver(ctx context.Context, msg model.WSMessage) error {
	b.mu.RLock()
	subs := b.subs[msg.Type]
	b.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
