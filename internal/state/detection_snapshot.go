package state

import (
	"context"
	"encoding/json"
	"strings"
)

const DetectionSnapshotKey = "pipeline:last_detection"

type DetectionSnapshot struct {
	EventID      string `json:"event_id"`
	Source       string `json:"source"`
	Base         string `json:"base"`
	Timing       string `json:"timing"`
	Outcome      string `json:"outcome"`
	DetectedAtMS int64  `json:"detected_at_ms"`
}

func LoadDetectionSnapshot(ctx context.Context, store Store) (DetectionSnapshot, bool, error) {
	if store == nil {
		return DetectionSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, DetectionSnapshotKey)
	if err != nil {
		return DetectionSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return DetectionSnapshot{}, false, nil
	}
	var snapshot DetectionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return DetectionSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveDetectionSnapshot(ctx context.Context, store Store, snapshot DetectionSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, DetectionSnapshotKey, string(payload))
}
