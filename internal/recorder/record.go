// Package recorder persists the event streams of the proxy, the browser
// contexts and their pages as timestamped records.
package recorder

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-puppet/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one recorded event. TabID names the page target the event
// belongs to, SessionID the browser context whose traffic it is.
type Record struct {
	ID        string              `json:"id"`
	TabID     string              `json:"tabId,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
	Event     string              `json:"event"`
	Timestamp time.Time           `json:"timestamp"`
	Payload   jsoniter.RawMessage `json:"payload,omitempty"`
}

// NewRecord encodes ev as a record stamped with the current time.
func NewRecord(tabID, sessionID string, ev events.Event) (Record, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Record{}, fmt.Errorf("encoding %s event: %w", ev.Tag(), err)
	}
	return Record{
		ID:        uuid.NewString(),
		TabID:     tabID,
		SessionID: sessionID,
		Event:     string(ev.Tag()),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

// Decode parses one JSONL line.
func Decode(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	return r, nil
}
