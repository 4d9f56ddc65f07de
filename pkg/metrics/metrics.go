// Package metrics keeps process level counters, gauges and samples in an
// embedded tstorage time series database.
package metrics

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nakabonne/tstorage"
	"github.com/pkg/errors"
)

var (
	mu       sync.RWMutex
	storage  tstorage.Storage
	counters sync.Map // name -> *atomic.Int64
)

// InitMetrics opens the on-disk store under <workdir>/data/metrics.
func InitMetrics(workdir string) error {
	s, err := tstorage.NewStorage(
		tstorage.WithDataPath(filepath.Join(workdir, "data", "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(7*24*time.Hour),
		tstorage.WithPartitionDuration(time.Hour),
	)
	if err != nil {
		return errors.Wrap(err, "open metrics storage")
	}
	swap(s)
	return nil
}

// InitMemory keeps all points in memory, used when no workdir is writable and in tests.
func InitMemory() error {
	s, err := tstorage.NewStorage(tstorage.WithTimestampPrecision(tstorage.Seconds))
	if err != nil {
		return errors.Wrap(err, "open memory metrics storage")
	}
	swap(s)
	return nil
}

func swap(s tstorage.Storage) {
	mu.Lock()
	old := storage
	storage = s
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	counters.Range(func(key, _ any) bool {
		counters.Delete(key)
		return true
	})
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}

func insert(name string, value float64) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{{
		Metric:    name,
		DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: value},
	}})
}

func counter(name string) *atomic.Int64 {
	v, _ := counters.LoadOrStore(name, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Incr bumps a cumulative counter and records its new value.
func Incr(name string) int64 {
	n := counter(name).Add(1)
	insert(name, float64(n))
	return n
}

// Counter returns the in-process value of a counter.
func Counter(name string) int64 {
	if v, ok := counters.Load(name); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// SetGauge records the current value of a gauge.
func SetGauge(name string, value int64) {
	insert(name, float64(value))
}

// Observe records one raw sample, e.g. a latency in seconds.
func Observe(name string, value float64) {
	insert(name, value)
}

// Select returns the points of a metric between start and end.
func Select(name string, start, end time.Time) ([]*tstorage.DataPoint, error) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return nil, nil
	}
	points, err := storage.Select(name, nil, start.Unix(), end.Unix()+1)
	if errors.Is(err, tstorage.ErrNoDataPoints) {
		return nil, nil
	}
	return points, err
}

// Values flattens Select into a float slice.
func Values(name string, start, end time.Time) ([]float64, error) {
	points, err := Select(name, start, end)
	if err != nil {
		return nil, err
	}
	values := make([]float64, 0, len(points))
	for _, p := range points {
		values = append(values, p.Value)
	}
	return values, nil
}
