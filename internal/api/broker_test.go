package api

import (
    "testing"
    "time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
    b := NewBroker()
    rid := "r1"
    ch := b.Subscribe(rid)

    evt := RouteEvent{Type: "risk_changed", Data: map[string]any{"routeId": rid}}
    b.Publish(rid, evt)

    select {
    case got := <-ch:
        if got.Type != evt.Type { t.Fatalf("got type %s, want %s", got.Type, evt.Type) }
        if got.Data["routeId"].(string) != rid { t.Fatalf("bad payload: %+v", got.Data) }
    case <-time.After(200 * time.Millisecond):
        t.Fatal("timeout waiting for event")
    }

    b.Unsubscribe(rid, ch)
    select {
    case _, ok := <-ch:
        if ok { t.Fatal("channel should be closed after unsubscribe") }
    case <-time.After(50 * time.Millisecond):
        // acceptable if already drained and closed
    }
}

func TestBrokerIsolatesRoutes(t *testing.T) {
    b := NewBroker()
    chA := b.Subscribe("a")
    chB := b.Subscribe("b")
    defer b.Unsubscribe("a", chA)
    defer b.Unsubscribe("b", chB)

    b.Publish("a", RouteEvent{Type: "risk_changed", Data: map[string]any{"routeId": "a"}})

    select {
    case <-chA:
    case <-time.After(200 * time.Millisecond):
        t.Fatal("subscriber a missed its event")
    }
    select {
    case evt := <-chB:
        t.Fatalf("subscriber b received foreign event: %+v", evt)
    case <-time.After(50 * time.Millisecond):
    }
}

func TestRedisBrokerUnsubscribeLeavesChannelToReader(t *testing.T) {
    b, err := NewRedisBroker("redis://127.0.0.1:6379/0")
    if err != nil { t.Fatalf("broker: %v", err) }

    // a channel the broker never handed out: unsubscribe must not close
    // it, only the reader goroutine owns the close
    ch := make(chan RouteEvent, 1)
    b.Unsubscribe("r1", ch)
    select {
    case _, ok := <-ch:
        if !ok { t.Fatal("unsubscribe closed a channel it does not own") }
        t.Fatal("unexpected event on untouched channel")
    default:
    }
    ch <- RouteEvent{Type: "still_open"}

    if _, err := NewRedisBroker("not a url"); err == nil {
        t.Fatal("bad url must error")
    }
}

func TestBrokerPublisherAdaptsPayload(t *testing.T) {
    b := NewBroker()
    ch := b.Subscribe("r1")
    defer b.Unsubscribe("r1", ch)

    pub := brokerPublisher{broker: b}
    pub.Publish("r1", map[string]any{"type": "eta_recalculated", "routeId": "r1"})

    select {
    case evt := <-ch:
        if evt.Type != "eta_recalculated" { t.Fatalf("type = %s", evt.Type) }
        if evt.Data["routeId"].(string) != "r1" { t.Fatalf("data: %+v", evt.Data) }
    case <-time.After(200 * time.Millisecond):
        t.Fatal("timeout waiting for adapted event")
    }
}
