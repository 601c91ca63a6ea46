package sqlite

import (
	"encoding/json"

	"github.com/operator/marketsync/internal/types"
)

func marshalCounters(c types.Counters) (string, error) {
	b, err := json.Marshal(c)
	return string(b), err
}

func unmarshalCounters(s string, c *types.Counters) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), c)
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
