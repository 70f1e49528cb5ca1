// Package models defines the data structures for transcript events.
package models

// EventTypeFragment identifies a recognized transcript fragment.
const EventTypeFragment = "speech.transcript.fragment"

// TranscriptFragment is published for every recognized span of a client chunk.
type TranscriptFragment struct {
	EventType  string  `json:"eventType"`
	ClientID   string  `json:"clientId"`
	ChunkID    string  `json:"chunkId"`
	Timestamp  int64   `json:"timestamp"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Provider   string  `json:"provider"`
	AudioBytes int     `json:"audioBytes"`
}
