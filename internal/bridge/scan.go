package bridge

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/mqtt"
)

// scanSession is one running discovery window.
type scanSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// handleScan starts a discovery window, cancelling any running one.
func (r *Router) handleScan(payload []byte) {
	cmd, ok := decode[ScanCommand](r, mqtt.CommandScan, payload)
	if !ok {
		return
	}

	window := time.Duration(cmd.Duration * float64(r.opts.ScanTimeUnit))
	if window <= 0 {
		r.publishEvent(mqtt.EventScanStatus, ScanStatusEvent{
			Bridge: r.bridge,
			Error:  "duration must be positive",
			CallID: cmd.CallID,
		})
		return
	}

	r.cancelScan()
	r.state.ResetDiscovered()

	ctx, cancel := context.WithCancel(r.ctx)
	sightings, err := r.adapter.Discover(ctx, window)
	if err != nil {
		cancel()
		r.logWarn("failed to start discovery", "error", err)
		r.publishEvent(mqtt.EventScanStatus, ScanStatusEvent{
			Bridge: r.bridge,
			Error:  err.Error(),
			CallID: cmd.CallID,
		})
		return
	}

	sess := &scanSession{cancel: cancel, done: make(chan struct{})}
	r.scanMu.Lock()
	r.scan = sess
	r.scanMu.Unlock()

	r.logInfo("scan started", "window", window.String())
	r.publishEvent(mqtt.EventScanStatus, ScanStatusEvent{
		Bridge:   r.bridge,
		Scanning: true,
		CallID:   cmd.CallID,
	})

	r.work.Add(1)
	go r.runScan(ctx, sess, cmd, window, sightings)
}

func (r *Router) handleScanCancel(payload []byte) {
	cmd, ok := decode[CallCommand](r, mqtt.CommandScanCancel, payload)
	if !ok {
		return
	}
	if !r.cancelScan() {
		// Nothing was running; answer so the caller is not left waiting.
		r.publishEvent(mqtt.EventScanStatus, ScanStatusEvent{
			Bridge:    r.bridge,
			Cancelled: true,
			CallID:    cmd.CallID,
		})
	}
}

// cancelScan stops the running scan and waits for it to wind down.
// It reports whether a scan was running.
func (r *Router) cancelScan() bool {
	r.scanMu.Lock()
	sess := r.scan
	r.scan = nil
	r.scanMu.Unlock()

	if sess == nil {
		return false
	}
	sess.cancel()
	<-sess.done
	return true
}

// runScan collects sightings until the window ends or the scan is
// cancelled, then publishes one discover event per device and the closing
// scan status.
func (r *Router) runScan(ctx context.Context, sess *scanSession, cmd ScanCommand, window time.Duration, sightings <-chan Sighting) {
	defer r.work.Done()
	defer close(sess.done)
	defer sess.cancel()

	timer := time.NewTimer(window)
	defer timer.Stop()

	var order []string
	seen := make(map[string]bool)
	cancelled := false

collect:
	for {
		select {
		case sg, ok := <-sightings:
			if !ok {
				sightings = nil
				continue
			}
			if sg.DeviceID == "" {
				continue
			}
			merged := r.state.RecordSighting(sg)
			if !seen[sg.DeviceID] {
				seen[sg.DeviceID] = true
				order = append(order, sg.DeviceID)
			}
			if cmd.RegisteredReconnect && merged.Connectable {
				r.reconnectSighted(merged)
			}
		case <-timer.C:
			break collect
		case <-ctx.Done():
			cancelled = errors.Is(ctx.Err(), context.Canceled)
			break collect
		}
	}

	r.adapter.StopDiscovery()

	r.scanMu.Lock()
	if r.scan == sess {
		r.scan = nil
	}
	r.scanMu.Unlock()

	if r.ctx.Err() != nil {
		return
	}

	for _, id := range order {
		sg, ok := r.state.Discovered(id)
		if !ok {
			continue
		}
		_, supported := r.registry.Lookup(sg.ProductName)
		r.publishEvent(mqtt.EventDiscover, DiscoverEvent{
			Bridge:      r.bridge,
			DeviceID:    sg.DeviceID,
			ProductName: sg.ProductName,
			VendorName:  sg.VendorName,
			Connectable: sg.Connectable,
			RSSI:        sg.RSSI,
			Supported:   supported,
			Registered:  r.state.IsRegistered(sg.DeviceID),
			Meta:        maps.Clone(sg.Meta),
			CallID:      cmd.CallID,
		})
	}

	r.logInfo("scan finished", "devices", len(order), "cancelled", cancelled)
	r.publishEvent(mqtt.EventScanStatus, ScanStatusEvent{
		Bridge:    r.bridge,
		Scanning:  false,
		Cancelled: cancelled,
		CallID:    cmd.CallID,
	})
}

// reconnectSighted connects a registered device seen during a scan.
func (r *Router) reconnectSighted(sg Sighting) {
	rec, ok := r.state.Registered(sg.DeviceID)
	if !ok || r.state.IsConnected(sg.DeviceID) {
		return
	}
	if rec.ProductName == "" {
		rec.ProductName = sg.ProductName
	}
	r.startConnect(rec, connectRequest{quiet: true})
}
