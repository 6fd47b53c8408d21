package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"marketdata-engine/internal/model"
)

// LoadInstruments returns the stored snapshot and when it was saved. A
// missing key yields no instruments and a zero time.
func (s *SnapshotStore) LoadInstruments(ctx context.Context) ([]model.Instrument, time.Time, error) {
	vals, err := s.client.HMGet(ctx, s.key, "data", "saved_at").Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis hmget %s: %w", s.key, err)
	}
	data, _ := vals[0].(string)
	if data == "" {
		return nil, time.Time{}, nil
	}

	var out []model.Instrument
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	var savedAt time.Time
	if raw, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			savedAt = time.UnixMilli(ms).UTC()
		}
	}
	return out, savedAt, nil
}
