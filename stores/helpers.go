package stores

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/date"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

// scanTime converts a timestamp column scanned into an interface{}. Drivers
// disagree on whether TIMESTAMP comes back as time.Time, string or []byte.
func scanTime(raw interface{}) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeKeys(keys []int64) string {
	if len(keys) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(keys)
	return string(b)
}

func decodeKeys(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	var keys []int64
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return nil, fmt.Errorf("customer_keys_json: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys, nil
}
