package taskqueue

import (
	"encoding/json"
	"fmt"
)

// storedMessage is how message bodies are kept in key-value backends.
type storedMessage struct {
	Body       string `json:"body"`
	EnqueuedAt int64  `json:"enqueuedAt"`
}

// storedDeadLetter is the JSON form of a DeadMessage.
type storedDeadLetter struct {
	ID           string `json:"id"`
	Body         string `json:"body"`
	EnqueuedAt   int64  `json:"enqueuedAt"`
	ReceiveCount int    `json:"receiveCount"`
	Reason       string `json:"reason"`
	FailedAt     int64  `json:"failedAt"`
}

func encodeStored(m storedMessage) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(data), nil
}

func decodeStored(raw string) (storedMessage, error) {
	var m storedMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return storedMessage{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func encodeDead(d DeadMessage) (string, error) {
	data, err := json.Marshal(storedDeadLetter{
		ID:           d.ID,
		Body:         d.Body,
		EnqueuedAt:   nanos(d.EnqueuedAt),
		ReceiveCount: d.ReceiveCount,
		Reason:       d.Reason,
		FailedAt:     nanos(d.FailedAt),
	})
	if err != nil {
		return "", fmt.Errorf("encode dead letter: %w", err)
	}
	return string(data), nil
}

func decodeDead(raw string) (DeadMessage, error) {
	var s storedDeadLetter
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return DeadMessage{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return DeadMessage{
		Message: Message{
			ID:           s.ID,
			Body:         s.Body,
			ReceiveCount: s.ReceiveCount,
			EnqueuedAt:   fromNanos(s.EnqueuedAt),
		},
		Reason:   s.Reason,
		FailedAt: fromNanos(s.FailedAt),
	}, nil
}
