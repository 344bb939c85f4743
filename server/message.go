package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// Error codes in JSON error bodies.
const (
	CodeBadRequest = "bad_request"
	CodeNotFound   = "not_found"
	CodeInternal   = "internal"
)

// ErrorBody is the JSON body of every failed HTTP request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomInfo describes a room in GET /rooms.
type RoomInfo struct {
	RoomID    string     `json:"roomId"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Peers     int        `json:"peers"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Code: code, Message: message})
}
