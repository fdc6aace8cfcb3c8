package metricstore

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

const (
	// DefaultRetention bounds how long a sample stays in its window.
	DefaultRetention = 24 * time.Hour
	// DefaultBaselineWindow is the trailing span used to compute a baseline.
	DefaultBaselineWindow = 7 * 24 * time.Hour
	// DefaultMinSamples is the window size below which no baseline exists.
	DefaultMinSamples = 10
)

// Options configures retention and baseline computation.
type Options struct {
	Retention      time.Duration
	BaselineWindow time.Duration
	MinSamples     int
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.BaselineWindow <= 0 {
		o.BaselineWindow = DefaultBaselineWindow
	}
	if o.MinSamples <= 0 {
		o.MinSamples = DefaultMinSamples
	}
	return o
}

// Store keeps rolling per-series windows and their baselines.
type Store struct {
	opts   Options
	logger *slog.Logger
	series sync.Map // models.SeriesKey -> *series
}

type series struct {
	mu       sync.Mutex
	samples  []models.MetricSample
	baseline *models.Baseline
	removed  bool
}

// New constructs an empty store.
func New(opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{opts: opts.withDefaults(), logger: logger}
}

// Ingest appends the sample to its window, evicts expired samples and
// recomputes the baseline. The returned baseline reflects the window after
// the update; ok is false while the window holds too few samples.
func (s *Store) Ingest(sample models.MetricSample) (models.Baseline, bool) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	key := sample.Key()

	for {
		entry := s.load(key)
		entry.mu.Lock()
		if entry.removed {
			// lost a race with Sweep; retry against a fresh entry
			entry.mu.Unlock()
			continue
		}

		entry.insert(sample)
		newest := entry.samples[len(entry.samples)-1].Timestamp
		entry.evictBefore(newest.Add(-s.opts.Retention))
		entry.recompute(newest, s.opts)

		var (
			out models.Baseline
			ok  bool
		)
		if entry.baseline != nil {
			out, ok = *entry.baseline, true
		}
		entry.mu.Unlock()
		return out, ok
	}
}

// Baseline returns the current baseline for the key, if any.
func (s *Store) Baseline(key models.SeriesKey) (models.Baseline, bool) {
	value, ok := s.series.Load(key)
	if !ok {
		return models.Baseline{}, false
	}
	entry := value.(*series)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.baseline == nil {
		return models.Baseline{}, false
	}
	return *entry.baseline, true
}

// Window returns a copy of the samples currently retained for the key, oldest first.
func (s *Store) Window(key models.SeriesKey) []models.MetricSample {
	value, ok := s.series.Load(key)
	if !ok {
		return nil
	}
	entry := value.(*series)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]models.MetricSample, len(entry.samples))
	copy(out, entry.samples)
	return out
}

// Keys lists every tracked series in a stable order.
func (s *Store) Keys() []models.SeriesKey {
	keys := make([]models.SeriesKey, 0)
	s.series.Range(func(k, _ any) bool {
		keys = append(keys, k.(models.SeriesKey))
		return true
	})
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Sweep evicts samples older than the retention relative to now and drops
// series that end up empty. It returns the number of series removed.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.opts.Retention)
	removed := 0
	s.series.Range(func(k, v any) bool {
		entry := v.(*series)
		entry.mu.Lock()
		entry.evictBefore(cutoff)
		if len(entry.samples) == 0 {
			entry.removed = true
			entry.baseline = nil
			s.series.Delete(k)
			removed++
		} else if len(entry.samples) < s.opts.MinSamples {
			entry.baseline = nil
		}
		entry.mu.Unlock()
		return true
	})
	if removed > 0 {
		s.logger.Debug("metric store sweep", slog.Int("series_removed", removed))
	}
	return removed
}

func (s *Store) load(key models.SeriesKey) *series {
	if value, ok := s.series.Load(key); ok {
		return value.(*series)
	}
	value, _ := s.series.LoadOrStore(key, &series{})
	return value.(*series)
}

// insert keeps samples ordered by timestamp; late arrivals are placed in order.
func (e *series) insert(sample models.MetricSample) {
	n := len(e.samples)
	if n == 0 || !sample.Timestamp.Before(e.samples[n-1].Timestamp) {
		e.samples = append(e.samples, sample)
		return
	}
	idx := sort.Search(n, func(i int) bool {
		return e.samples[i].Timestamp.After(sample.Timestamp)
	})
	e.samples = append(e.samples, models.MetricSample{})
	copy(e.samples[idx+1:], e.samples[idx:])
	e.samples[idx] = sample
}

func (e *series) evictBefore(cutoff time.Time) {
	idx := sort.Search(len(e.samples), func(i int) bool {
		return !e.samples[i].Timestamp.Before(cutoff)
	})
	if idx == 0 {
		return
	}
	e.samples = append(e.samples[:0], e.samples[idx:]...)
}

func (e *series) recompute(newest time.Time, opts Options) {
	if len(e.samples) < opts.MinSamples {
		e.baseline = nil
		return
	}

	windowStart := newest.Add(-opts.BaselineWindow)
	values := make([]float64, 0, len(e.samples))
	for _, sample := range e.samples {
		if sample.Timestamp.Before(windowStart) {
			continue
		}
		values = append(values, sample.Value)
	}
	if len(values) < opts.MinSamples {
		e.baseline = nil
		return
	}

	baseline := Compute(values)
	baseline.LastUpdated = newest
	e.baseline = &baseline
}

// Compute summarises values into a baseline. LastUpdated is left to the caller.
func Compute(values []float64) models.Baseline {
	if len(values) == 0 {
		return models.Baseline{}
	}
	mean, std := stat.PopMeanStdDev(values, nil)

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return models.Baseline{
		Mean:        mean,
		StdDev:      std,
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		P95:         utils.Percentile(sorted, 95),
		P99:         utils.Percentile(sorted, 99),
		SampleCount: len(sorted),
	}
}
