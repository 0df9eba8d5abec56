// Package bus routes events to the live channels of a specific principal.
// It is a best-effort delivery layer: the notification ledger is the system
// of record, and a send that finds no open channel simply reports Queued.
package bus

import (
	"log"
	"strings"
	"sync"
	"time"
)

// Event is the payload pushed to a live channel. The shape is stable across
// transports; the channel owner decides how to frame it on the wire.
type Event struct {
	EventID    string    `json:"eventId"`
	Message    string    `json:"message"`
	TaskID     string    `json:"taskId"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Outcome reports what Send did with an event.
type Outcome string

const (
	// Delivered means at least one open channel accepted the event.
	Delivered Outcome = "delivered"
	// Queued means no open channel accepted it; the caller must already
	// have persisted the event or it is lost.
	Queued Outcome = "queued"
)

type ChannelState int

const (
	StateConnecting ChannelState = iota
	StateOpen
	StateClosed
)

// Channel is one live connection belonging to one principal. Events are
// consumed from Events(); the channel is closed by Registry.Unregister.
type Channel struct {
	principalID string
	events      chan Event
	state       ChannelState
}

func (c *Channel) PrincipalID() string {
	return c.principalID
}

func (c *Channel) Events() <-chan Event {
	return c.events
}

// Registry maps principal ids to their open channels. All state lives on the
// registry instance; construct one per process and pass it to whoever needs
// it.
type Registry struct {
	mu       sync.Mutex
	channels map[string]map[*Channel]struct{}
	buffer   int
}

func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]map[*Channel]struct{}),
		buffer:   16,
	}
}

// Register opens a channel for the principal. An empty principal id would
// make the entry untargetable, so it is refused with a warning and a nil
// channel.
func (r *Registry) Register(principalID string) *Channel {
	if strings.TrimSpace(principalID) == "" {
		log.Printf("bus: register with empty principal id ignored")
		return nil
	}

	ch := &Channel{
		principalID: principalID,
		events:      make(chan Event, r.buffer),
		state:       StateConnecting,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[principalID]
	if !ok {
		set = make(map[*Channel]struct{})
		r.channels[principalID] = set
	}
	set[ch] = struct{}{}
	ch.state = StateOpen
	return ch
}

// Unregister closes the channel and removes it from the registry. Safe to
// call more than once and with nil.
func (r *Registry) Unregister(ch *Channel) {
	if ch == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch.state == StateClosed {
		return
	}
	if set, ok := r.channels[ch.principalID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(r.channels, ch.principalID)
		}
	}
	ch.state = StateClosed
	close(ch.events)
}

// Send fans the event out to every open channel of the principal without
// blocking. A full channel drops the event with a log line; that is a
// delivery failure, never an error for the caller.
func (r *Registry) Send(principalID string, event Event) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.channels[principalID]
	if len(set) == 0 {
		return Queued
	}

	delivered := false
	for ch := range set {
		if ch.state != StateOpen {
			continue
		}
		select {
		case ch.events <- event:
			delivered = true
		default:
			log.Printf("bus: channel for %s full, dropping event %s", principalID, event.EventID)
		}
	}
	if !delivered {
		return Queued
	}
	return Delivered
}

// ChannelCount reports how many channels a principal has open.
func (r *Registry) ChannelCount(principalID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels[principalID])
}
