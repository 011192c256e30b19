package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Problem is the RFC 7807 body every failing handler returns. Type is a
// stable URN derived from the status text so clients can switch on it
// without parsing titles.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

func problemType(status int) string {
	slug := strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "-")
	if slug == "" {
		slug = "error"
	}
	return "urn:fleetops:problem:" + slug
}
