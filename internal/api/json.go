package api

import (
    "encoding/json"
    "net/http"

    "routewatch/internal/apperr"
    "routewatch/internal/requestid"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
    Type      string `json:"type"`
    Title     string `json:"title"`
    Status    int    `json:"status"`
    Detail    string `json:"detail,omitempty"`
    Code      string `json:"code,omitempty"`
    Instance  string `json:"instance,omitempty"`
    RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
    writeJSON(w, status, Problem{
        Type:      "about:blank",
        Title:     title,
        Status:    status,
        Detail:    detail,
        Instance:  r.URL.Path,
        RequestID: requestid.From(r.Context()),
    })
}

// writeError maps a coded error to problem+json. The optional detail
// code (e.g. NO_ACTIVE_ROUTE) rides along for clients that branch on it.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
    ae := apperr.From(err)
    status := ae.Code.HTTPStatus()
    writeJSON(w, status, Problem{
        Type:      "about:blank",
        Title:     string(ae.Code),
        Status:    status,
        Detail:    ae.Msg,
        Code:      ae.Detail,
        Instance:  r.URL.Path,
        RequestID: requestid.From(r.Context()),
    })
}
