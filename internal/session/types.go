package session

import "time"

// CreateRequest defines payload for opening a tutoring session over an uploaded document.
type CreateRequest struct {
	DocID     string `json:"doc_id"`
	Filename  string `json:"filename"`
	PageCount int    `json:"page_count"`
	AutoStart bool   `json:"auto_start"`
	// Greeting and GreetingAudioURL come from the upload response.
	Greeting         string `json:"greeting"`
	GreetingAudioURL string `json:"greeting_audio_url"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	DocID           string    `json:"doc_id"`
	Status          Status    `json:"status"`
	AutoStart       bool      `json:"auto_start"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	WSURL           string    `json:"ws_url"`
}
