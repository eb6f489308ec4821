package hub

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hortiva/hortiva-core/internal/command"
	"github.com/hortiva/hortiva-core/internal/conn"
	"github.com/hortiva/hortiva-core/internal/device"
	"github.com/hortiva/hortiva-core/internal/infrastructure/metrics"
	"github.com/hortiva/hortiva-core/internal/telemetry"
)

// Logger defines the logging interface used by the hub.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options carries the hub's collaborators. Registry, Connections,
// Dispatcher, Ingestor and Aggregator are required; Metrics and Logger
// are optional.
type Options struct {
	Registry    *device.Registry
	Connections *conn.Manager
	Dispatcher  *command.Dispatcher
	Ingestor    *telemetry.Ingestor
	Aggregator  *telemetry.Aggregator
	Metrics     *metrics.Collector
	Logger      Logger
}

// Hub is the facade over the device hub. External callers go through
// the Hub; the components behind it are never exposed.
type Hub struct {
	registry   *device.Registry
	conns      *conn.Manager
	dispatcher *command.Dispatcher
	ingestor   *telemetry.Ingestor
	aggregator *telemetry.Aggregator
	collector  *metrics.Collector
	logger     Logger
}

// New assembles the hub from its injected collaborators.
func New(opts Options) (*Hub, error) {
	switch {
	case opts.Registry == nil:
		return nil, fmt.Errorf("%w: device registry", ErrMissingDependency)
	case opts.Connections == nil:
		return nil, fmt.Errorf("%w: connection manager", ErrMissingDependency)
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("%w: command dispatcher", ErrMissingDependency)
	case opts.Ingestor == nil:
		return nil, fmt.Errorf("%w: telemetry ingestor", ErrMissingDependency)
	case opts.Aggregator == nil:
		return nil, fmt.Errorf("%w: telemetry aggregator", ErrMissingDependency)
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Hub{
		registry:   opts.Registry,
		conns:      opts.Connections,
		dispatcher: opts.Dispatcher,
		ingestor:   opts.Ingestor,
		aggregator: opts.Aggregator,
		collector:  opts.Metrics,
		logger:     logger,
	}, nil
}

// Start warms the registry cache, launches the freshness monitor and
// spawns connection actors for every enabled device.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.registry.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading device cache: %w", err)
	}

	h.conns.Start(ctx)

	enabled := true
	devices, err := h.registry.List(ctx, device.Filter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range devices {
		dev := devices[i]
		g.Go(func() error {
			if err := h.conns.Track(&dev); err != nil {
				h.logger.Warn("failed to track device",
					"device_id", dev.ID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	h.logger.Info("hub started", "devices", len(devices))
	return nil
}

// Close shuts the hub down: the dispatcher stops first so no new
// commands reach devices, then every connection is released.
func (h *Hub) Close() {
	h.dispatcher.Close()
	h.conns.Close()
	h.logger.Info("hub stopped")
}

// RegisterDevice validates and stores a new device, then starts managing
// its connection. Devices with a protocol no adapter serves are rejected
// with device.ErrUnsupportedProtocol.
func (h *Hub) RegisterDevice(ctx context.Context, dev *device.Device) (*device.Device, error) {
	if err := h.registry.Register(ctx, dev); err != nil {
		return nil, err
	}
	if err := h.conns.Track(dev); err != nil {
		h.logger.Warn("device registered but not tracked",
			"device_id", dev.ID, "error", err)
	}
	h.logger.Info("device registered",
		"device_id", dev.ID,
		"slug", dev.Slug,
		"protocol", string(dev.Protocol))
	return h.registry.Get(ctx, dev.ID)
}

// GetDevice retrieves one device by ID.
func (h *Hub) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	return h.registry.Get(ctx, id)
}

// ListDevices retrieves devices matching the filter.
func (h *Hub) ListDevices(ctx context.Context, filter device.Filter) ([]device.Device, error) {
	return h.registry.List(ctx, filter)
}

// UpdateDevice applies metadata changes to a device. Connectivity state
// is owned by the hub and survives the update.
func (h *Hub) UpdateDevice(ctx context.Context, dev *device.Device) (*device.Device, error) {
	if err := h.registry.Update(ctx, dev); err != nil {
		return nil, err
	}
	return h.registry.Get(ctx, dev.ID)
}

// PatchDeviceMapping merges a partial point-mapping update into a
// device's configuration.
func (h *Hub) PatchDeviceMapping(ctx context.Context, id string, patch device.Mapping) error {
	return h.registry.PatchMapping(ctx, id, patch)
}

// RemoveDevice deletes a device. Its queued commands are cancelled, its
// connection is closed, and stored readings and command history go with
// it.
func (h *Hub) RemoveDevice(ctx context.Context, id string) error {
	if _, err := h.registry.Get(ctx, id); err != nil {
		return err
	}

	cancelled := h.dispatcher.Drain(ctx, id)
	h.conns.Forget(id)
	if err := h.registry.Remove(ctx, id); err != nil {
		return err
	}

	h.logger.Info("device removed", "device_id", id, "commands_cancelled", cancelled)
	return nil
}

// SetDeviceEnabled enables or disables a device. Disabling releases the
// connection and cancels queued commands.
func (h *Hub) SetDeviceEnabled(ctx context.Context, id string, enabled bool) error {
	if err := h.registry.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if enabled {
		dev, err := h.registry.Get(ctx, id)
		if err != nil {
			return err
		}
		return h.conns.Track(dev)
	}
	h.dispatcher.Drain(ctx, id)
	h.conns.Forget(id)
	return nil
}

// ResetDevice clears a faulted device back to discovering and restarts
// its connection actor. Only devices in error state can be reset.
func (h *Hub) ResetDevice(ctx context.Context, id string) error {
	if err := h.registry.Reset(ctx, id); err != nil {
		return err
	}
	dev, err := h.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	h.conns.Forget(id)
	if err := h.conns.Track(dev); err != nil {
		return err
	}
	h.logger.Info("device reset", "device_id", id)
	return nil
}

// SendCommand queues a command for a device and returns it with its
// assigned ID. Commands against offline or faulted devices fail
// immediately with ErrDeviceOffline; nothing is queued.
func (h *Hub) SendCommand(ctx context.Context, deviceID, name string, params map[string]any, priority command.Priority) (*command.Command, error) {
	dev, err := h.registry.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.Enabled {
		return nil, fmt.Errorf("%w: %s", device.ErrDisabled, deviceID)
	}
	if dev.Status == device.StatusOffline || dev.Status == device.StatusError {
		return nil, fmt.Errorf("%w: %s is %s", ErrDeviceOffline, deviceID, dev.Status)
	}

	cmd, err := h.dispatcher.Submit(ctx, &command.Command{
		DeviceID: deviceID,
		Name:     name,
		Params:   params,
		Priority: priority,
	})
	if err != nil {
		return nil, err
	}
	if h.collector != nil {
		h.collector.SetQueueDepth(deviceID, h.dispatcher.QueueDepth(deviceID))
	}
	return cmd, nil
}

// GetCommand retrieves one command by ID.
func (h *Hub) GetCommand(ctx context.Context, id string) (*command.Command, error) {
	return h.dispatcher.Get(ctx, id)
}

// CancelCommand cancels a queued command before it dispatches.
func (h *Hub) CancelCommand(ctx context.Context, id string) error {
	return h.dispatcher.Cancel(ctx, id)
}

// CommandHistory retrieves a device's command audit trail, newest first.
func (h *Hub) CommandHistory(ctx context.Context, deviceID string, limit int) ([]command.Command, error) {
	if _, err := h.registry.Get(ctx, deviceID); err != nil {
		return nil, err
	}
	return h.dispatcher.History(ctx, deviceID, limit)
}

// IngestReadings stores a batch of readings for a device, reporting
// acceptance per item.
func (h *Hub) IngestReadings(ctx context.Context, deviceID string, inputs []telemetry.Input) ([]telemetry.Result, error) {
	results, err := h.ingestor.Ingest(ctx, deviceID, inputs)
	if err != nil {
		return nil, err
	}
	if h.collector != nil {
		accepted := 0
		for _, r := range results {
			if r.Accepted {
				accepted++
			}
		}
		h.collector.RecordIngest(accepted, len(results)-accepted)
	}
	return results, nil
}

// QueryReadings retrieves stored readings matching the filter.
func (h *Hub) QueryReadings(ctx context.Context, filter telemetry.Filter) ([]telemetry.Reading, error) {
	return h.ingestor.Query(ctx, filter)
}

// AggregateReadings buckets a device's readings over [from, to) at the
// given resolution.
func (h *Hub) AggregateReadings(ctx context.Context, deviceID, sensorType string, res telemetry.Resolution, from, to time.Time) ([]telemetry.Bucket, error) {
	return h.aggregator.Aggregate(ctx, deviceID, sensorType, res, from, to)
}

// ReadPoint performs a live read of one point on a connected device.
func (h *Hub) ReadPoint(ctx context.Context, deviceID, point string) (float64, error) {
	sample, err := h.conns.Read(ctx, deviceID, point)
	if err != nil {
		return 0, err
	}
	return sample.Value, nil
}

// DeviceStatus reports a device's connectivity snapshot, combining
// registry state with connection statistics.
func (h *Hub) DeviceStatus(ctx context.Context, deviceID string) (*device.StatusSnapshot, error) {
	dev, err := h.registry.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	stats := h.conns.Snapshot(deviceID)
	return &device.StatusSnapshot{
		DeviceID:        dev.ID,
		Status:          dev.Status,
		Enabled:         dev.Enabled,
		LastSeen:        dev.LastSeen,
		StatusChangedAt: dev.StatusChangedAt,
		ConnectAttempts: stats.ConnectAttempts,
		WindowFailures:  stats.WindowFailures,
		LastError:       stats.LastError,
	}, nil
}

// Stats reports registry-wide counts and refreshes the status gauges.
func (h *Hub) Stats() device.Stats {
	stats := h.registry.GetStats()
	if h.collector != nil {
		for status, count := range stats.ByStatus {
			h.collector.SetDeviceCount(string(status), count)
		}
	}
	return stats
}
