package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-heal/internal/cache"
	"github.com/miradorstack/mirador-heal/internal/models"
)

type fakePatternStore struct {
	stored int
}

func (f *fakePatternStore) StorePatterns(ctx context.Context, patterns []models.RemediationPattern) error {
	f.stored += len(patterns)
	return nil
}

func record(metric string, success bool, at time.Time, attempts ...models.ActionAttempt) models.LearningRecord {
	return models.LearningRecord{
		Timestamp:       at,
		AnomalyType:     models.AnomalyPerformance,
		MetricName:      metric,
		Success:         success,
		Attempts:        attempts,
		DurationMinutes: 4,
	}
}

func TestMinerMinesPatterns(t *testing.T) {
	store := &fakePatternStore{}
	miner := NewMiner(nil, store)

	now := time.Now()
	records := []models.LearningRecord{
		record("cpu_usage", true, now, models.ActionAttempt{Action: "scale_up", Success: true}),
		record("cpu_usage", false, now.Add(10*time.Minute),
			models.ActionAttempt{Action: "scale_up"},
			models.ActionAttempt{Action: "restart_service"}),
		record("memory_usage", true, now, models.ActionAttempt{Action: "restart_service", Success: true}),
	}

	patterns, err := miner.Mine(context.Background(), records)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(patterns))
	}
	if store.stored != 2 {
		t.Fatalf("expected patterns to be stored")
	}

	cpu := patterns[0]
	if cpu.Key != "performance:cpu_usage" || cpu.Occurrences != 2 || cpu.SuccessRate != 0.5 {
		t.Fatalf("unexpected leading pattern %+v", cpu)
	}
	if !cpu.LastSeen.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected last seen %v", cpu.LastSeen)
	}
	if len(cpu.Actions) != 2 || cpu.Actions[0].Action != "scale_up" || cpu.Actions[0].SuccessRate != 0.5 {
		t.Fatalf("unexpected action stats %+v", cpu.Actions)
	}
}

func TestMinerEmptyHistory(t *testing.T) {
	patterns, err := NewMiner(nil, nil).Mine(context.Background(), nil)
	if err != nil || patterns != nil {
		t.Fatalf("expected nothing mined, got %v %v", patterns, err)
	}
}

func TestCacheStoreRoundTrip(t *testing.T) {
	provider := cache.NewMemoryProvider()
	miner := NewMiner(nil, CacheStore(provider, time.Minute))
	if _, err := miner.Mine(context.Background(), []models.LearningRecord{
		record("latency", true, time.Now(), models.ActionAttempt{Action: "scale_up", Success: true}),
	}); err != nil {
		t.Fatalf("mine: %v", err)
	}

	cached, err := Cached(context.Background(), provider)
	if err != nil {
		t.Fatalf("cached: %v", err)
	}
	if len(cached) != 1 || cached[0].MetricName != "latency" {
		t.Fatalf("unexpected cached patterns %+v", cached)
	}
}
