package postgres

import (
	"encoding/json"
)

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func marshalLabels(labels map[string]string) ([]byte, error) {
	if len(labels) == 0 {
		return []byte(`{}`), nil
	}
	return json.Marshal(labels)
}

func unmarshalLabels(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var labels map[string]string
	if err := json.Unmarshal(b, &labels); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, nil
	}
	return labels, nil
}
