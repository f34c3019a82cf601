package inproc

import (
	"errors"
	"sort"
	"sync"

	"fleetnav/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("rover is not registered in bus")
	ErrAgentQueueFull     = errors.New("rover command queue is full")
)

// Bus delivers commands to rovers over per-rover buffered queues.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Command
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Command),
		buffer: buffer,
	}
}

func (b *Bus) Register(agentID string) <-chan domain.Command {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[agentID]; ok {
		return ch
	}
	ch := make(chan domain.Command, b.buffer)
	b.subs[agentID] = ch
	return ch
}

func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[agentID]
	if !ok {
		return
	}
	delete(b.subs, agentID)
	close(ch)
}

// Publish never blocks. The read lock is held across the send so Unregister
// cannot close the queue underneath it.
func (b *Bus) Publish(cmd domain.Command) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subs[cmd.AgentID]
	if !ok {
		return ErrAgentNotRegistered
	}
	select {
	case ch <- cmd:
		return nil
	default:
		return ErrAgentQueueFull
	}
}

func (b *Bus) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.subs))
	for id := range b.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
