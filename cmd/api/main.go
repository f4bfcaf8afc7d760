package main

import (
    "log"
    "net/http"
    "time"

    "routewatch/internal/api"
)

func main() {
    srv, err := api.NewServer()
    if err != nil {
        log.Fatalf("failed to init server: %v", err)
    }
    defer srv.Tracker.Close()

    httpSrv := &http.Server{
        Addr:              srv.Cfg.Addr,
        Handler:           srv.Handler(),
        ReadHeaderTimeout: 5 * time.Second,
    }

    log.Printf("API listening on %s", srv.Cfg.Addr)
    if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatalf("server error: %v", err)
    }
}
