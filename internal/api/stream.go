package api

import (
    "encoding/json"
    "fmt"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/websocket"

    "routewatch/internal/auth"
)

// Live route event streaming over SSE and WebSocket.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// canStreamRoute gates live event access: operators always, a driver
// only for their assigned route.
func (s *Server) canStreamRoute(r *http.Request, pr auth.Principal, routeID string) bool {
    if pr.IsOperator() { return true }
    if pr.Role != auth.RoleDriver || pr.DriverID == "" { return false }
    rt, err := s.Store.GetRoute(r.Context(), routeID)
    if err != nil { return false }
    return rt.DriverID != "" && rt.DriverID == pr.DriverID
}

// routeEventsSSE streams broker events for one route as server-sent events.
func (s *Server) routeEventsSSE(w http.ResponseWriter, r *http.Request, routeID string) {
    pr := s.getPrincipal(r)
    if !s.canStreamRoute(r, pr, routeID) {
        writeProblem(w, r, http.StatusForbidden, "Forbidden", "not authorized for route events")
        return
    }
    flusher, ok := w.(http.Flusher)
    if !ok {
        writeProblem(w, r, http.StatusInternalServerError, "Streaming unsupported", "")
        return
    }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")

    ch := s.Broker.Subscribe(routeID)
    defer s.Broker.Unsubscribe(routeID, ch)

    heartbeat := func() {
        fmt.Fprintf(w, "event: heartbeat\n")
        fmt.Fprintf(w, "data: {\"routeId\":%q,\"ts\":%q}\n\n", routeID, time.Now().UTC().Format(time.RFC3339))
        flusher.Flush()
    }
    heartbeat()

    done := r.Context().Done()
    for {
        select {
        case <-done:
            return
        case evt := <-ch:
            b, _ := json.Marshal(evt.Data)
            fmt.Fprintf(w, "event: %s\n", evt.Type)
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            heartbeat()
        }
    }
}

type wsMessage struct {
    Type    string          `json:"type"`
    Payload json.RawMessage `json:"payload,omitempty"`
}

// routeEventsWS streams the same broker events over a WebSocket. The
// client sends connection_init, gets connection_ack, then receives one
// "event" message per route event.
func (s *Server) routeEventsWS(w http.ResponseWriter, r *http.Request, routeID string) {
    pr := s.getPrincipal(r)
    if !s.canStreamRoute(r, pr, routeID) {
        writeProblem(w, r, http.StatusForbidden, "Forbidden", "not authorized for route events")
        return
    }
    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil {
        return
    }
    defer func() { _ = conn.Close() }()

    conn.SetReadLimit(1 << 20)
    _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
    conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

    writeMu := &wsWriter{conn: conn}

    ch := s.Broker.Subscribe(routeID)
    defer s.Broker.Unsubscribe(routeID, ch)

    // fanout goroutine; exits when the subscription channel closes
    stopped := make(chan struct{})
    go func() {
        defer close(stopped)
        for evt := range ch {
            payload, _ := json.Marshal(evt)
            if err := writeMu.write(wsMessage{Type: "event", Payload: payload}); err != nil {
                return
            }
        }
    }()

    // keepalive
    go func() {
        ticker := time.NewTicker(20 * time.Second)
        defer ticker.Stop()
        for {
            select {
            case <-stopped:
                return
            case <-ticker.C:
                if err := writeMu.write(wsMessage{Type: "ping"}); err != nil {
                    return
                }
            }
        }
    }()

    for {
        var msg wsMessage
        if err := conn.ReadJSON(&msg); err != nil {
            return
        }
        switch msg.Type {
        case "connection_init":
            _ = writeMu.write(wsMessage{Type: "connection_ack"})
        case "ping":
            _ = writeMu.write(wsMessage{Type: "pong"})
        case "close":
            return
        }
    }
}

// wsWriter serializes concurrent writes to one websocket connection.
type wsWriter struct {
    mu   sync.Mutex
    conn *websocket.Conn
}

func (w *wsWriter) write(v any) error {
    w.mu.Lock()
    defer w.mu.Unlock()
    return w.conn.WriteJSON(v)
}
