// Package hub fans position and delay updates out to live subscribers.
// Delivery is best effort and at most once: a subscriber whose channel is
// full at send time is dropped so a slow consumer can never stall the
// vehicle's fix-processing path.
package hub

import (
	"log"
	"sync"
	"time"
)

// Message kinds carried on a subscriber channel.
const (
	KindPosition = "location_update"
	KindDelay    = "delay_update"
)

// PositionUpdate is the live location payload broadcast on every fix.
type PositionUpdate struct {
	Type            string    `json:"type"`
	VehicleID       string    `json:"vehicle_id"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	RecordedAt      time.Time `json:"recorded_at"`
	LastSeenSeconds int       `json:"last_seen_seconds"`
	Status          string    `json:"status"`
}

// DelayUpdate is the running-delay payload broadcast whenever the delay is
// recomputed or manually overridden.
type DelayUpdate struct {
	Type         string  `json:"type"`
	VehicleID    string  `json:"vehicle_id"`
	DelayMinutes int     `json:"delay_minutes"`
	CurrentStop  *string `json:"current_stop"`
	NextStop     *string `json:"next_stop"`
}

// Message is one update delivered to a subscriber; exactly one of Position
// or Delay is set, indicated by Kind.
type Message struct {
	Kind     string
	Position *PositionUpdate
	Delay    *DelayUpdate
}

// Subscriber is one live listener on a vehicle's updates. The channel is
// closed by the hub when the subscriber is dropped or unsubscribed.
type Subscriber struct {
	vehicleID string
	closed    bool // guarded by the hub mutex
	C         chan Message
}

// VehicleID returns the vehicle this subscriber listens on.
func (s *Subscriber) VehicleID() string { return s.vehicleID }

// Metrics is the optional instrumentation surface for the hub.
type Metrics interface {
	DeliveredInc()
	DroppedInc()
	SubscribersSet(n int)
}

// Hub keys subscriber sets by vehicle. Subscriber-set mutation happens under
// one lock; broadcast iterates a snapshot so concurrent disconnects are safe.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscriber]struct{}
	total   int
	buffer  int
	metrics Metrics
}

// DefaultBuffer is the per-subscriber channel depth. Updates beyond the
// transport's own buffering are not queued.
const DefaultBuffer = 16

// New returns a hub with the given per-subscriber buffer; m may be nil.
func New(buffer int, m Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:    make(map[string]map[*Subscriber]struct{}),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe registers a new listener for the vehicle's updates.
func (h *Hub) Subscribe(vehicleID string) *Subscriber {
	s := &Subscriber{vehicleID: vehicleID, C: make(chan Message, h.buffer)}
	h.mu.Lock()
	set, ok := h.subs[vehicleID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[vehicleID] = set
	}
	set[s] = struct{}{}
	h.total++
	n := h.total
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SubscribersSet(n)
	}
	return s
}

// Unsubscribe removes the listener and closes its channel. Safe to call for
// a subscriber the hub already dropped.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	n := h.removeLocked(s)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SubscribersSet(n)
	}
}

// removeLocked detaches the subscriber and closes its channel exactly once.
func (h *Hub) removeLocked(s *Subscriber) int {
	if set, ok := h.subs[s.vehicleID]; ok {
		if _, member := set[s]; member {
			delete(set, s)
			h.total--
			if len(set) == 0 {
				delete(h.subs, s.vehicleID)
			}
		}
	}
	if !s.closed {
		s.closed = true
		close(s.C)
	}
	return h.total
}

// SubscriberCount returns the number of live listeners for a vehicle.
func (h *Hub) SubscriberCount(vehicleID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[vehicleID])
}

// BroadcastPosition delivers a position update to every subscriber of the
// vehicle. A vehicle with no subscribers is simply not looked up.
func (h *Hub) BroadcastPosition(vehicleID string, p PositionUpdate) {
	p.Type = KindPosition
	p.VehicleID = vehicleID
	h.broadcast(vehicleID, Message{Kind: KindPosition, Position: &p})
}

// BroadcastDelay delivers a delay update to every subscriber of the vehicle.
func (h *Hub) BroadcastDelay(vehicleID string, d DelayUpdate) {
	d.Type = KindDelay
	d.VehicleID = vehicleID
	h.broadcast(vehicleID, Message{Kind: KindDelay, Delay: &d})
}

func (h *Hub) broadcast(vehicleID string, msg Message) {
	// Sends happen under the read lock: channels are only closed under the
	// write lock, so a concurrent unsubscribe can never race a send onto a
	// closed channel. Sends are non-blocking, so holding the lock is cheap.
	h.mu.RLock()
	set, ok := h.subs[vehicleID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	var dropped []*Subscriber
	for s := range set {
		select {
		case s.C <- msg:
			if h.metrics != nil {
				h.metrics.DeliveredInc()
			}
		default:
			// Not draining; drop it rather than block the fix path.
			dropped = append(dropped, s)
		}
	}
	h.mu.RUnlock()
	if len(dropped) == 0 {
		return
	}

	h.mu.Lock()
	n := h.total
	for _, s := range dropped {
		n = h.removeLocked(s)
	}
	h.mu.Unlock()
	for range dropped {
		if h.metrics != nil {
			h.metrics.DroppedInc()
		}
	}
	if h.metrics != nil {
		h.metrics.SubscribersSet(n)
	}
	log.Printf("hub: dropped %d slow subscriber(s) for vehicle %s", len(dropped), vehicleID)
}
