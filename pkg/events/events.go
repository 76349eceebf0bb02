package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is a stable, closed-vocabulary event name. Additions to the
// vocabulary are additive only — never repurpose an existing name.
type EventType string

const (
	EventAdmissionAdmit         EventType = "admission.admit"
	EventAdmissionReject        EventType = "admission.reject"
	EventCircuitTransition      EventType = "circuit.transition"
	EventSelectionWinner        EventType = "selection.winner"
	EventSelectionNone          EventType = "selection.none"
	EventBuildStarted           EventType = "build.started"
	EventBuildCompleted         EventType = "build.completed"
	EventHealthProbe            EventType = "health.probe"
	EventRepoConvergenceChanged EventType = "repo_convergence.state_changed"
	EventWorkerStatusChanged    EventType = "worker.status_changed"
)

// Event is a structured, JSON-serialisable fact about daemon scheduling
// state. Metadata carries event-specific fields (scores, reasons,
// before/after states) so subscribers never need to parse Message.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	WorkerID  string            `json:"worker_id,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
	BuildID   *uint64           `json:"build_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans structured events out to subscribers. Publish never
// blocks the caller on a slow subscriber: per-subscriber buffers are
// bounded and a full buffer simply drops the event for that subscriber.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish broadcasts an event to all subscribers. Timestamp and ID are
// filled in if unset, so callers never need a clock or an ID generator.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full; drop rather than back-pressure producers
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
