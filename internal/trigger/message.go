// Package trigger turns trigger messages into launched runs and routes the ones that cannot be
// launched to the dead-letter topic.
package trigger

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"file-batch-ingester/internal/models"
)

var (
	// ErrInvalidTrigger marks a message that can never succeed. It is dead-lettered without retries.
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrBackpressure is returned while every job slot is taken. The message is retried.
	ErrBackpressure = errors.New("max concurrent jobs reached")
)

// Decode parses and validates a trigger payload.
func Decode(payload []byte) (models.TriggerMessage, error) {
	var msg models.TriggerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return models.TriggerMessage{}, errors.Wrapf(ErrInvalidTrigger, "decode: %v", err)
	}
	if err := Validate(msg); err != nil {
		return models.TriggerMessage{}, err
	}
	return msg, nil
}

// Validate checks the fields a run needs.
func Validate(msg models.TriggerMessage) error {
	switch {
	case strings.TrimSpace(msg.FileID) == "":
		return errors.Wrap(ErrInvalidTrigger, "fileId is blank")
	case strings.TrimSpace(msg.FilePath) == "":
		return errors.Wrap(ErrInvalidTrigger, "filePath is blank")
	case msg.RecordCount <= 0:
		return errors.Wrapf(ErrInvalidTrigger, "recordCount must be positive, got %d", msg.RecordCount)
	}
	return nil
}

// Encode renders msg as the JSON trigger payload.
func Encode(msg models.TriggerMessage) ([]byte, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}
	b, err := json.Marshal(msg)
	return b, errors.Wrap(err, "encode trigger")
}
