package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/converter"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/mqtt"
)

// connectRequest carries the context of one connect.
type connectRequest struct {
	callID      string
	addToServer bool

	// quiet suppresses the error event; background connects only log.
	quiet bool

	// probe checks a mains device once the link is up.
	probe bool
}

// startConnect claims the device and connects it on a worker goroutine.
func (r *Router) startConnect(rec DeviceRecord, req connectRequest) {
	ticket, ok := r.state.BeginConnect(rec.DeviceID)
	if !ok {
		if !req.quiet {
			r.replyError(mqtt.CommandConnect, rec.DeviceID, req.callID, ErrConnectInProgress)
		}
		return
	}
	dev := NewDevice(r.bridge, rec, r.registry)

	r.spawn("connect", func() {
		defer r.state.EndConnect(dev.ID)

		if err := r.connect(dev); err != nil {
			if req.quiet {
				r.logWarn("background connect failed", "device_id", dev.ID, "error", err)
				return
			}
			r.replyError(mqtt.CommandConnect, dev.ID, req.callID, err)
			return
		}
		r.afterConnect(dev, ticket, req)
	})
}

// connect runs the connect attempts for one device. A link that exposes
// none of the converter's attributes is a ghost: it is released once and
// not retried. Transport errors are retried up to ConnectAttempts times.
func (r *Router) connect(dev *Device) error {
	var lastErr error
	for attempt := 1; attempt <= r.opts.ConnectAttempts; attempt++ {
		if attempt > 1 && !sleepContext(r.ctx, r.opts.ConnectRetryDelay) {
			break
		}

		ctx, cancel := context.WithTimeout(r.ctx, r.opts.ConnectTimeout)
		link, err := r.adapter.Connect(ctx, dev)
		cancel()
		if err == nil && link.Handle == nil {
			err = ErrNoHandle
		}
		if err != nil {
			lastErr = err
			r.logDebug("connect attempt failed",
				"device_id", dev.ID,
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		dev.Handle = link.Handle
		if matchEndpoints(dev.Converter, link.Endpoints) == 0 {
			r.release(dev)
			dev.Handle = nil
			return fmt.Errorf("%w: %s exposes no attribute of %q", ErrGhostConnection, dev.ID, dev.ProductName)
		}
		return nil
	}

	if lastErr == nil {
		lastErr = r.ctx.Err()
	}
	return fmt.Errorf("%w: %s: %w", ErrConnectFailed, dev.ID, lastErr)
}

// afterConnect publishes a freshly connected device and installs its
// notification subscriptions. A connect cancelled while in flight releases
// its handle and publishes nothing but the error reply.
func (r *Router) afterConnect(dev *Device, ticket uint64, req connectRequest) {
	if err := r.state.CommitConnect(dev, ticket); err != nil {
		r.logInfo("discarding connect", "device_id", dev.ID, "error", err)
		r.release(dev)
		if !req.quiet {
			r.replyError(mqtt.CommandConnect, dev.ID, req.callID, err)
		}
		return
	}

	r.logInfo("device connected", "device_id", dev.ID, "product", dev.ProductName)
	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordConnection(r.bridge, dev.ID, true)
	}

	r.subscribeNotifications(dev)

	r.publishEvent(mqtt.EventConnect, DeviceEvent{
		Bridge:   r.bridge,
		DeviceID: dev.ID,
		Status:   replyOK,
		CallID:   req.callID,
	})
	if req.addToServer {
		r.publishEvent(mqtt.EventCreate, CreateEvent{DeviceDTO: dev.DTO(), CallID: req.callID})
	}
	r.publishStatus()

	if req.probe {
		r.probe(dev)
	}
}

// subscribeNotifications installs a subscription per notifying property.
// A failed subscription is logged; the device stays connected.
func (r *Router) subscribeNotifications(dev *Device) {
	for _, p := range dev.Converter.Properties() {
		if !p.Notify {
			continue
		}
		addr, err := dev.Converter.AddressOf(p.Name)
		if err != nil {
			continue
		}
		ctx, cancel := r.ioContext(r.opts.ConfigureTimeout)
		err = r.adapter.SubscribeNotify(ctx, dev, addr, r.notifier(dev.ID, p))
		cancel()
		if err != nil {
			r.logWarn("failed to subscribe to notifications",
				"device_id", dev.ID,
				"property", p.Name,
				"error", err,
			)
		}
	}
}

// notifier returns the callback handed to the adapter. It only queues.
func (r *Router) notifier(deviceID string, p converter.Property) func([]byte) {
	return func(raw []byte) {
		n := notification{deviceID: deviceID, prop: p, raw: append([]byte(nil), raw...)}
		select {
		case r.notifications <- n:
		default:
			r.logWarn("notification queue full, dropping value", "device_id", deviceID, "property", p.Name)
		}
	}
}

// handleNotification decodes and publishes one notified value.
func (r *Router) handleNotification(n notification) {
	dev, ok := r.state.Connected(n.deviceID)
	if !ok {
		return
	}
	reading, err := dev.Converter.Get(n.prop, n.raw)
	if err != nil {
		r.logWarn("failed to decode notification",
			"device_id", n.deviceID,
			"property", n.prop.Name,
			"error", err,
		)
		return
	}
	r.record(dev.ID, n.prop.Name, reading)
	r.publishEvent(mqtt.EventValuesGet, ValuesEvent{
		Bridge:   r.bridge,
		DeviceID: dev.ID,
		Status:   replyOK,
		Values:   map[string]ValueDTO{n.prop.Name: valueDTO(reading)},
	})
}

// probe checks that a mains device still answers and drops it when it
// does not.
func (r *Router) probe(dev *Device) {
	if dev.PowerType != converter.PowerMains {
		return
	}
	ctx, cancel := r.ioContext(r.opts.IOTimeout)
	err := r.adapter.Probe(ctx, dev)
	cancel()
	if err == nil || errors.Is(err, ErrProbeUnsupported) {
		return
	}

	r.logWarn("device failed liveness probe", "device_id", dev.ID, "error", err)
	if detached, ok := r.state.Detach(dev.ID); ok {
		r.release(detached)
		r.disconnected(detached.ID, "")
	}
}

// disconnected records and publishes a device leaving the connected view.
func (r *Router) disconnected(deviceID, callID string) {
	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordConnection(r.bridge, deviceID, false)
	}
	r.publishEvent(mqtt.EventDisconnect, DeviceEvent{
		Bridge:   r.bridge,
		DeviceID: deviceID,
		Status:   replyOK,
		CallID:   callID,
	})
	r.publishStatus()
}

// release tells the adapter to free a device's handle.
func (r *Router) release(dev *Device) {
	ctx, cancel := r.ioContext(releaseTimeout)
	defer cancel()
	if err := r.adapter.Disconnect(ctx, dev); err != nil {
		r.logWarn("failed to release device", "device_id", dev.ID, "error", err)
	}
}

// sleepContext waits for d or until ctx is done. It reports whether the
// full delay elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
