package telemetry

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"
)

// Resolution selects the aggregation bucket width.
type Resolution string

const (
	ResolutionHour Resolution = "hour"
	ResolutionDay  Resolution = "day"
	ResolutionWeek Resolution = "week"
)

// seconds returns the bucket width in epoch seconds.
func (r Resolution) seconds() (int64, error) {
	switch r {
	case ResolutionHour:
		return 3600, nil
	case ResolutionDay:
		return 86400, nil
	case ResolutionWeek:
		return 7 * 86400, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidResolution, r)
}

// Bucket is one aggregation window. Min, Max and Avg cover only usable
// readings (quality good or suspect); Count counts everything observed
// in the window, bad readings included.
type Bucket struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Count    int     `json:"count"`
	BadCount int     `json:"bad_count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Avg      float64 `json:"avg"`
}

// Aggregator computes bucketed statistics over stored readings.
type Aggregator struct {
	repo Repository
}

// NewAggregator creates an aggregator over the reading store.
func NewAggregator(repo Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

// Aggregate buckets readings for one device and sensor type over
// [from, to) at the given resolution.
//
// Bucket boundaries come from integer division of the epoch timestamp
// by the bucket width, so a reading's bucket depends only on its own
// timestamp: ingest order cannot change the result, and re-running the
// aggregation over the same data always yields the same buckets. Empty
// buckets are omitted.
func (a *Aggregator) Aggregate(ctx context.Context, deviceID, sensorType string, res Resolution, from, to time.Time) ([]Bucket, error) {
	width, err := res.seconds()
	if err != nil {
		return nil, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, ErrInvalidRange
	}

	readings, err := a.repo.Query(ctx, Filter{
		DeviceID:   deviceID,
		SensorType: sensorType,
		From:       from,
		To:         to,
	})
	if err != nil {
		return nil, fmt.Errorf("loading readings: %w", err)
	}

	return bucketize(readings, width), nil
}

// accumulator collects one bucket's running statistics.
type accumulator struct {
	count    int
	badCount int
	usable   int
	sum      float64
	min      float64
	max      float64
}

// bucketize folds readings into width-second buckets keyed by
// epoch/width.
func bucketize(readings []Reading, width int64) []Bucket {
	if len(readings) == 0 {
		return nil
	}

	acc := make(map[int64]*accumulator)
	for i := range readings {
		rd := &readings[i]
		key := rd.TS.Unix() / width

		b, ok := acc[key]
		if !ok {
			b = &accumulator{min: math.Inf(1), max: math.Inf(-1)}
			acc[key] = b
		}

		b.count++
		if rd.Quality == QualityBad {
			// Observed but not usable: counted, excluded from stats
			b.badCount++
			continue
		}
		b.usable++
		b.sum += rd.Value
		if rd.Value < b.min {
			b.min = rd.Value
		}
		if rd.Value > b.max {
			b.max = rd.Value
		}
	}

	// Emit in chronological order
	keys := make([]int64, 0, len(acc))
	for key := range acc {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	buckets := make([]Bucket, 0, len(keys))
	for _, key := range keys {
		b := acc[key]
		bucket := Bucket{
			Start:    time.Unix(key*width, 0).UTC(),
			End:      time.Unix((key+1)*width, 0).UTC(),
			Count:    b.count,
			BadCount: b.badCount,
		}
		if b.usable > 0 {
			bucket.Min = b.min
			bucket.Max = b.max
			bucket.Avg = b.sum / float64(b.usable)
		}
		buckets = append(buckets, bucket)
	}
	return buckets
}
