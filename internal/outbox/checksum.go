package outbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/felipemaragno/courier/internal/domain"
)

type checksumDocument struct {
	EventID string `json:"event_id"`
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

// PayloadChecksum fingerprints an (event, channel) delivery. The payload is
// re-encoded with sorted object keys and untouched number literals, so two
// serialisations of the same document hash identically.
func PayloadChecksum(eventID, channel string, payload json.RawMessage) (string, error) {
	var canonical any
	if len(bytes.TrimSpace(payload)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&canonical); err != nil {
			return "", fmt.Errorf("%w: payload is not valid JSON: %v", domain.ErrInvalidInput, err)
		}
	}

	doc, err := json.Marshal(checksumDocument{EventID: eventID, Channel: channel, Payload: canonical})
	if err != nil {
		return "", fmt.Errorf("encode checksum document: %w", err)
	}

	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:]), nil
}
