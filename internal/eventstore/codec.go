package eventstore

import (
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/pulse-engine/internal/events"
)

func encodeProperties(props map[string]events.Value) ([]byte, error) {
	if len(props) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return raw, nil
}

func decodeProperties(raw []byte) (map[string]events.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var props map[string]events.Value
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	if len(props) == 0 {
		return nil, nil
	}
	return props, nil
}
