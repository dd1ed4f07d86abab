package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the stored form of server-scoped domain entries. Writers
// always stamp a timestamp; the corruption scan rejects entries missing
// either field.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Seal wraps a payload in an envelope stamped with the current time.
func Seal(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Envelope{Data: raw, Timestamp: time.Now()})
}

// OpenEnvelope parses a stored entry and verifies both envelope fields
// are present.
func OpenEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return nil, errors.New("envelope missing data")
	}
	if env.Timestamp.IsZero() {
		return nil, errors.New("envelope missing timestamp")
	}
	return &env, nil
}
