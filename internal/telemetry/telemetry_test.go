package telemetry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// memoryRepository is a test implementation of Repository.
type memoryRepository struct {
	mu        sync.Mutex
	readings  []Reading
	appendErr error
}

func (m *memoryRepository) Append(_ context.Context, readings []Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.readings = append(m.readings, readings...)
	return nil
}

func (m *memoryRepository) Query(_ context.Context, filter Filter) ([]Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reading
	for _, rd := range m.readings {
		if filter.DeviceID != "" && rd.DeviceID != filter.DeviceID {
			continue
		}
		if filter.SensorType != "" && rd.SensorType != filter.SensorType {
			continue
		}
		if !filter.From.IsZero() && rd.TS.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !rd.TS.Before(filter.To) {
			continue
		}
		out = append(out, rd)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *memoryRepository) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []Reading
	var removed int64
	for _, rd := range m.readings {
		if rd.TS.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rd)
	}
	m.readings = kept
	return removed, nil
}

// captureMirror records mirrored readings.
type captureMirror struct {
	mu    sync.Mutex
	count int
}

func (c *captureMirror) WriteReading(string, string, float64, string, string, time.Time) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIngestStampsServerTime(t *testing.T) {
	repo := &memoryRepository{}
	ing := NewIngestor(repo, nil)
	serverNow := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	ing.now = fixedClock(serverNow)

	deviceTS := serverNow.Add(-2 * time.Minute)
	results, err := ing.Ingest(context.Background(), "dev-1", []Input{
		{SensorType: "air_temperature", Value: 23.5, Unit: "celsius", TS: deviceTS},
		{SensorType: "humidity", Value: 61.2, Unit: "percent"}, // no device timestamp
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !results[0].Accepted || !results[1].Accepted {
		t.Fatalf("results = %+v", results)
	}

	stored, _ := repo.Query(context.Background(), Filter{})
	if !stored[0].TS.Equal(deviceTS) {
		t.Errorf("device timestamp not preserved: %v", stored[0].TS)
	}
	if !stored[1].TS.Equal(serverNow) {
		t.Errorf("missing timestamp not stamped with server time: %v", stored[1].TS)
	}
	if !stored[0].ReceivedAt.Equal(serverNow) || !stored[1].ReceivedAt.Equal(serverNow) {
		t.Error("received_at should always be the server time")
	}
}

func TestIngestPerItemAcceptance(t *testing.T) {
	repo := &memoryRepository{}
	ing := NewIngestor(repo, nil)

	results, err := ing.Ingest(context.Background(), "dev-1", []Input{
		{SensorType: "co2", Value: 820, Unit: "ppm"},
		{SensorType: "", Value: 1}, // invalid: no sensor type
		{SensorType: "co2", Value: 815, Unit: "ppm", Quality: "wonky"}, // invalid quality
		{SensorType: "co2", Value: 818, Unit: "ppm", Quality: QualityBad},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	wantAccepted := []bool{true, false, false, true}
	for i, want := range wantAccepted {
		if results[i].Accepted != want {
			t.Errorf("results[%d].Accepted = %v, want %v (%s)", i, results[i].Accepted, want, results[i].Error)
		}
	}

	stored, _ := repo.Query(context.Background(), Filter{})
	if len(stored) != 2 {
		t.Errorf("stored %d readings, want 2", len(stored))
	}
}

func TestIngestUnknownDevice(t *testing.T) {
	repo := &memoryRepository{}
	ing := NewIngestor(repo, func(_ context.Context, id string) bool { return id == "known" })

	_, err := ing.Ingest(context.Background(), "unknown", []Input{
		{SensorType: "co2", Value: 820},
	})
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
	if stored, _ := repo.Query(context.Background(), Filter{}); len(stored) != 0 {
		t.Error("nothing should be stored for an unknown device")
	}
}

func TestIngestDefaultsQualityGood(t *testing.T) {
	repo := &memoryRepository{}
	ing := NewIngestor(repo, nil)

	if _, err := ing.Ingest(context.Background(), "dev-1", []Input{
		{SensorType: "ph", Value: 5.9},
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	stored, _ := repo.Query(context.Background(), Filter{})
	if stored[0].Quality != QualityGood {
		t.Errorf("quality = %q, want good", stored[0].Quality)
	}
}

func TestIngestMirrorsAcceptedReadings(t *testing.T) {
	repo := &memoryRepository{}
	mirror := &captureMirror{}
	ing := NewIngestor(repo, nil)
	ing.SetMirror(mirror)

	if _, err := ing.Ingest(context.Background(), "dev-1", []Input{
		{SensorType: "ec", Value: 1.8, Unit: "mS_cm"},
		{SensorType: ""}, // rejected, must not reach the mirror
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if mirror.count != 1 {
		t.Errorf("mirrored %d readings, want 1", mirror.count)
	}
}

func TestAggregateHourBuckets(t *testing.T) {
	repo := &memoryRepository{}
	ing := NewIngestor(repo, nil)
	agg := NewAggregator(repo)
	ctx := context.Background()

	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	inputs := []Input{
		{SensorType: "air_temperature", Value: 21.0, TS: day.Add(9*time.Hour + 10*time.Minute)},
		{SensorType: "air_temperature", Value: 23.0, TS: day.Add(9*time.Hour + 40*time.Minute)},
		{SensorType: "air_temperature", Value: 25.0, TS: day.Add(10*time.Hour + 5*time.Minute)},
	}
	if _, err := ing.Ingest(ctx, "dev-1", inputs); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	buckets, err := agg.Aggregate(ctx, "dev-1", "air_temperature", ResolutionHour, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("len(buckets) = %d, want 2", len(buckets))
	}

	nine := buckets[0]
	if !nine.Start.Equal(day.Add(9 * time.Hour)) {
		t.Errorf("bucket start = %v", nine.Start)
	}
	if nine.Count != 2 || nine.Min != 21.0 || nine.Max != 23.0 || nine.Avg != 22.0 {
		t.Errorf("09:00 bucket = %+v", nine)
	}

	ten := buckets[1]
	if ten.Count != 1 || ten.Min != 25.0 || ten.Max != 25.0 || ten.Avg != 25.0 {
		t.Errorf("10:00 bucket = %+v", ten)
	}
}

func TestAggregateExcludesBadQualityFromStats(t *testing.T) {
	repo := &memoryRepository{}
	ing := NewIngestor(repo, nil)
	agg := NewAggregator(repo)
	ctx := context.Background()

	hour := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	if _, err := ing.Ingest(ctx, "dev-1", []Input{
		{SensorType: "co2", Value: 800, TS: hour.Add(5 * time.Minute)},
		{SensorType: "co2", Value: 9999, Quality: QualityBad, TS: hour.Add(10 * time.Minute)},
		{SensorType: "co2", Value: 850, Quality: QualitySuspect, TS: hour.Add(15 * time.Minute)},
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	buckets, err := agg.Aggregate(ctx, "dev-1", "co2", ResolutionHour, hour, hour.Add(time.Hour))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	b := buckets[0]
	if b.Count != 3 {
		t.Errorf("Count = %d, want 3 (bad readings are observed)", b.Count)
	}
	if b.BadCount != 1 {
		t.Errorf("BadCount = %d, want 1", b.BadCount)
	}
	if b.Max != 850 || b.Min != 800 || b.Avg != 825 {
		t.Errorf("stats include bad reading: %+v", b)
	}
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	var readings []Reading
	for i := 0; i < 50; i++ {
		readings = append(readings, Reading{
			ID:         newReadingID(),
			DeviceID:   "dev-1",
			SensorType: "soil_moisture",
			Value:      float64(30 + i%10),
			Quality:    QualityGood,
			TS:         base.Add(time.Duration(i) * 13 * time.Minute),
			ReceivedAt: base,
		})
	}

	reference := bucketize(readings, 3600)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 5; trial++ {
		shuffled := make([]Reading, len(readings))
		copy(shuffled, readings)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		got := bucketize(shuffled, 3600)
		if len(got) != len(reference) {
			t.Fatalf("trial %d: %d buckets, want %d", trial, len(got), len(reference))
		}
		for i := range got {
			if got[i] != reference[i] {
				t.Errorf("trial %d bucket %d: %+v != %+v", trial, i, got[i], reference[i])
			}
		}
	}
}

func TestAggregateRejectsBadArguments(t *testing.T) {
	agg := NewAggregator(&memoryRepository{})
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := agg.Aggregate(ctx, "dev-1", "co2", "fortnight", now.Add(-time.Hour), now); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("err = %v, want ErrInvalidResolution", err)
	}
	if _, err := agg.Aggregate(ctx, "dev-1", "co2", ResolutionHour, now, now.Add(-time.Hour)); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("err = %v, want ErrInvalidRange", err)
	}
}

func TestQueryRangeValidation(t *testing.T) {
	ing := NewIngestor(&memoryRepository{}, nil)
	now := time.Now().UTC()

	_, err := ing.Query(context.Background(), Filter{From: now, To: now.Add(-time.Hour)})
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("err = %v, want ErrInvalidRange", err)
	}
}

func TestDeleteBefore(t *testing.T) {
	repo := &memoryRepository{}
	ing := NewIngestor(repo, nil)
	ctx := context.Background()

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := ing.Ingest(ctx, "dev-1", []Input{
		{SensorType: "co2", Value: 800, TS: old},
		{SensorType: "co2", Value: 810, TS: recent},
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	removed, err := repo.DeleteBefore(ctx, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if stored, _ := repo.Query(ctx, Filter{}); len(stored) != 1 {
		t.Errorf("stored = %d, want 1", len(stored))
	}
}
