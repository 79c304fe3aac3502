package core

import (
	"sync"
	"time"
)

// EventType tags the payloads the router publishes after each committed
// state change.
type EventType string

const (
	EventOrderPlaced          EventType = "order_placed"
	EventOrderCancelled       EventType = "order_cancelled"
	EventOrderExpired         EventType = "order_expired"
	EventTradeExecuted        EventType = "trade_executed"
	EventStopTriggered        EventType = "stop_triggered"
	EventPriceUpdated         EventType = "price_updated"
	EventLiquidationCompleted EventType = "liquidation"
	EventMarketStateChanged   EventType = "market_state"
	EventSettlementProposed   EventType = "settlement_proposed"
	EventSettlementDisputed   EventType = "settlement_disputed"
	EventMarketSettled        EventType = "market_settled"
)

// Event is one exchange occurrence. Payload is the domain object the event
// describes (a Fill, a liquidation result, a market snapshot).
type Event struct {
	Type      EventType   `json:"type"`
	Symbol    string      `json:"symbol"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// EventBus fans events out to subscribers. Publish never blocks: a
// subscriber that falls behind its buffer drops events rather than stalling
// the matching path.
type EventBus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber. The returned cancel func must
// be called when done; the channel is closed by cancel, never by Publish.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber with buffer room.
func (b *EventBus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Emit builds and publishes an event stamped with the given time.
func (b *EventBus) Emit(t EventType, symbol string, now time.Time, payload interface{}) {
	b.Publish(Event{
		Type:      t,
		Symbol:    symbol,
		Timestamp: now.UnixMilli(),
		Payload:   payload,
	})
}
