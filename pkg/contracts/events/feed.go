// Package events defines the messages pushed over the dashboard websocket
// feed.
package events

import (
	"encoding/json"
	"time"
)

// Feed message types.
const (
	TypeConnection = "connection"
	TypeAudit      = "audit"
	TypeRiskAlert  = "risk_alert"
)

// Message is the envelope of every feed frame.
type Message struct {
	Type      string      `json:"type"`
	Version   string      `json:"version"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// RawMessage is a decoded envelope whose payload is left for the caller.
type RawMessage struct {
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}
