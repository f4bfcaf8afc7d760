package api

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// EventBroker fans live route events out to stream subscribers.
type EventBroker interface {
    Subscribe(routeID string) chan RouteEvent
    Unsubscribe(routeID string, ch chan RouteEvent)
    Publish(routeID string, evt RouteEvent)
}

// RedisBroker implements EventBroker over Redis Pub/Sub so events reach
// subscribers on every replica.
type RedisBroker struct {
    rdb *redis.Client

    mu   sync.Mutex
    subs map[chan RouteEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    return &RedisBroker{rdb: redis.NewClient(opt), subs: map[chan RouteEvent]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(routeID string) chan RouteEvent {
    ch := make(chan RouteEvent, 16)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, b.chanName(routeID))
    // initial consume to ensure subscription
    _, _ = ps.Receive(ctx)
    b.mu.Lock()
    b.subs[ch] = ps
    b.mu.Unlock()
    // the reader is the only closer of ch; Unsubscribe closes the
    // PubSub, which ends ps.Channel and lets the reader drain out
    go func() {
        defer close(ch)
        for msg := range ps.Channel() {
            var evt RouteEvent
            if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
                select { case ch <- evt: default: }
            }
        }
    }()
    return ch
}

func (b *RedisBroker) Unsubscribe(routeID string, ch chan RouteEvent) {
    b.mu.Lock()
    ps, ok := b.subs[ch]
    delete(b.subs, ch)
    b.mu.Unlock()
    if ok { _ = ps.Close() }
}

func (b *RedisBroker) Publish(routeID string, evt RouteEvent) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    data, _ := json.Marshal(evt)
    _ = b.rdb.Publish(ctx, b.chanName(routeID), data).Err()
}

func (b *RedisBroker) chanName(routeID string) string { return "route:" + routeID }

// brokerPublisher adapts an EventBroker to the engine's publish hook.
// Engine payloads are maps carrying a "type" key.
type brokerPublisher struct {
    broker EventBroker
}

func (p brokerPublisher) Publish(routeID string, payload any) {
    evt := RouteEvent{Type: "route.event", Data: map[string]any{}}
    if m, ok := payload.(map[string]any); ok {
        if t, ok := m["type"].(string); ok { evt.Type = t }
        evt.Data = m
    }
    p.broker.Publish(routeID, evt)
}
