package bridge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-bridges/internal/converter"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/mqtt"
)


func (r *Router) handleConnect(payload []byte) {
	cmd, ok := decode[ConnectCommand](r, mqtt.CommandConnect, payload)
	if !ok {
		return
	}

	id := cmd.DeviceID
	if id == "" {
		if cmd.ProductName == "" {
			r.replyError(mqtt.CommandConnect, "", cmd.CallID, ErrMissingDeviceID)
			return
		}
		id = uuid.NewString()
	}

	if r.state.IsConnected(id) {
		r.publishEvent(mqtt.EventConnect, DeviceEvent{
			Bridge:   r.bridge,
			DeviceID: id,
			Status:   replyOK,
			CallID:   cmd.CallID,
		})
		return
	}

	rec := r.knownRecord(id)
	if cmd.ProductName != "" {
		rec.ProductName = cmd.ProductName
	}
	if cmd.Name != "" {
		rec.Name = cmd.Name
	}
	if len(cmd.Meta) > 0 {
		if rec.Meta == nil {
			rec.Meta = make(map[string]string, len(cmd.Meta))
		}
		maps.Copy(rec.Meta, cmd.Meta)
	}

	r.startConnect(rec, connectRequest{callID: cmd.CallID, addToServer: cmd.AddDeviceToServer})
}

// knownRecord builds the best record available for a device: the server's
// registration, else the latest sighting, else the bare ID.
func (r *Router) knownRecord(id string) DeviceRecord {
	if rec, ok := r.state.Registered(id); ok {
		return rec
	}
	if sg, ok := r.state.Discovered(id); ok {
		return DeviceRecord{
			DeviceID:    id,
			ProductName: sg.ProductName,
			VendorName:  sg.VendorName,
			Meta:        maps.Clone(sg.Meta),
		}
	}
	return DeviceRecord{DeviceID: id}
}

func (r *Router) handleReconnect(payload []byte) {
	cmd, ok := decode[DevicesCommand](r, mqtt.CommandReconnect, payload)
	if !ok {
		return
	}
	for _, want := range cmd.Devices {
		if want.DeviceID == "" || r.state.IsConnected(want.DeviceID) {
			continue
		}
		rec := r.knownRecord(want.DeviceID)
		if want.ProductName != "" {
			rec.ProductName = want.ProductName
		}
		r.startConnect(rec, connectRequest{callID: cmd.CallID})
	}
}

func (r *Router) handleDisconnect(payload []byte) {
	cmd, ok := decode[DeviceCommand](r, mqtt.CommandDisconnect, payload)
	if !ok {
		return
	}
	if cmd.DeviceID == "" {
		r.replyError(mqtt.CommandDisconnect, "", cmd.CallID, ErrMissingDeviceID)
		return
	}

	dev, ok := r.state.Detach(cmd.DeviceID)
	if !ok {
		// Already disconnected.
		r.publishEvent(mqtt.EventDisconnect, DeviceEvent{
			Bridge:   r.bridge,
			DeviceID: cmd.DeviceID,
			Status:   replyOK,
			CallID:   cmd.CallID,
		})
		return
	}
	r.spawn("disconnect", func() {
		r.release(dev)
		r.logInfo("device disconnected", "device_id", dev.ID)
		r.disconnected(dev.ID, cmd.CallID)
	})
}

// handleRemove applies a removal to both views. Removing an unknown device
// succeeds.
func (r *Router) handleRemove(payload []byte) {
	cmd, ok := decode[DeviceCommand](r, mqtt.CommandRemove, payload)
	if !ok {
		return
	}
	if cmd.DeviceID == "" {
		r.replyError(mqtt.CommandRemove, "", cmd.CallID, ErrMissingDeviceID)
		return
	}

	dev, wasConnected := r.state.Detach(cmd.DeviceID)
	wasRegistered := r.state.RemoveRegistered(cmd.DeviceID)
	r.cacheDelete(cmd.DeviceID)

	r.spawn("remove", func() {
		if wasConnected {
			r.release(dev)
			if r.opts.Recorder != nil {
				r.opts.Recorder.RecordConnection(r.bridge, dev.ID, false)
			}
		}
		if ev, ok := r.adapter.(Evictor); ok && (wasConnected || wasRegistered) {
			ctx, cancel := r.ioContext(r.opts.IOTimeout)
			if err := ev.Evict(ctx, cmd.DeviceID); err != nil {
				r.logWarn("failed to evict device", "device_id", cmd.DeviceID, "error", err)
			}
			cancel()
		}
		r.publishEvent(mqtt.EventRemove, DeviceEvent{
			Bridge:   r.bridge,
			DeviceID: cmd.DeviceID,
			Status:   replyOK,
			CallID:   cmd.CallID,
		})
		r.publishStatus()
	})
}

// handleCreate applies the server's acknowledgement of a new device.
func (r *Router) handleCreate(payload []byte) {
	cmd, ok := decode[CreateCommand](r, mqtt.CommandCreate, payload)
	if !ok {
		return
	}
	rec := cmd.DeviceRecord
	if rec.DeviceID == "" {
		r.logWarn("dropping create without deviceID")
		return
	}

	r.state.AddRegistered(rec)
	r.cachePut(rec)

	if dev, ok := r.state.Connected(rec.DeviceID); ok {
		updated := dev.clone()
		updated.Name = rec.Name
		if rec.Meta != nil {
			updated.Meta = maps.Clone(rec.Meta)
		}
		r.state.ReplaceConnected(updated)
	} else if r.opts.Policy == PolicyRegisteredIsConnected {
		r.startConnect(rec, connectRequest{callID: cmd.CallID, quiet: true, probe: r.opts.ProbeMains})
	}
	r.publishStatus()
}

func (r *Router) handleRefresh(payload []byte) {
	cmd, ok := decode[DevicesCommand](r, mqtt.CommandRefresh, payload)
	if !ok {
		return
	}
	r.applyRefresh(cmd.Devices, true)
}

// applyRefresh replaces the registered view and reconciles the connected
// view with it.
func (r *Router) applyRefresh(records []DeviceRecord, persist bool) {
	plan := r.state.ApplyRefresh(records, r.opts.Policy)
	r.logInfo("registered devices refreshed",
		"registered", len(records),
		"dropped", len(plan.Drop),
		"to_connect", len(plan.Connect),
	)

	for _, dev := range plan.Drop {
		r.spawn("release", func() {
			r.release(dev)
			r.disconnected(dev.ID, "")
		})
	}

	// Survivors pick up the server's names and metadata.
	for _, rec := range records {
		dev, ok := r.state.Connected(rec.DeviceID)
		if !ok {
			continue
		}
		updated := dev.clone()
		updated.Name = rec.Name
		if rec.VendorName != "" {
			updated.VendorName = rec.VendorName
		}
		if rec.Meta != nil {
			updated.Meta = maps.Clone(rec.Meta)
		}
		r.state.ReplaceConnected(updated)

		if r.opts.ProbeMains {
			r.spawn("probe", func() { r.probe(updated) })
		}
	}

	for _, rec := range plan.Connect {
		r.startConnect(rec, connectRequest{quiet: true, probe: r.opts.ProbeMains})
	}

	if persist {
		r.cacheReplace(r.state.RegisteredDevices())
	}
	r.publishStatus()
}

func (r *Router) handleList(payload []byte) {
	cmd, ok := decode[CallCommand](r, mqtt.CommandList, payload)
	if !ok {
		return
	}

	connected := r.state.ConnectedDevices()
	devices := make([]DeviceDTO, 0, len(connected))
	for _, dev := range connected {
		devices = append(devices, dev.DTO())
	}
	registered := r.state.RegisteredDevices()
	ids := make([]string, 0, len(registered))
	phases := make(map[string]Phase, len(registered))
	for _, rec := range registered {
		ids = append(ids, rec.DeviceID)
		phases[rec.DeviceID] = r.state.Phase(rec.DeviceID)
	}

	r.publishEvent(mqtt.EventList, ListEvent{
		Bridge:     r.bridge,
		Status:     r.state.Status(),
		Devices:    devices,
		Registered: ids,
		Phases:     phases,
		CallID:     cmd.CallID,
	})
}

func (r *Router) handleUpdate(payload []byte) {
	cmd, ok := decode[UpdateCommand](r, mqtt.CommandUpdate, payload)
	if !ok {
		return
	}
	if cmd.DeviceID == "" {
		r.replyError(mqtt.CommandUpdate, "", cmd.CallID, ErrMissingDeviceID)
		return
	}

	rec, registered := r.state.Registered(cmd.DeviceID)
	dev, connected := r.state.Connected(cmd.DeviceID)
	if !registered && !connected {
		r.replyError(mqtt.CommandUpdate, cmd.DeviceID, cmd.CallID, ErrUnknownDevice)
		return
	}
	if !registered {
		rec = dev.Record()
	}

	applied, err := applyUpdates(&rec, cmd.Updates)
	if err != nil {
		r.replyError(mqtt.CommandUpdate, cmd.DeviceID, cmd.CallID, err)
		return
	}

	if registered {
		r.state.AddRegistered(rec)
		r.cachePut(rec)
	}

	if connected {
		if rec.ProductName != dev.ProductName {
			// A new product means new attributes; negotiate again.
			if detached, ok := r.state.Detach(dev.ID); ok {
				r.spawn("renegotiate", func() {
					r.release(detached)
					r.startConnect(rec, connectRequest{callID: cmd.CallID, quiet: true})
				})
			}
		} else {
			updated := dev.clone()
			updated.Name = rec.Name
			if rec.VendorName != "" {
				updated.VendorName = rec.VendorName
			}
			updated.Meta = maps.Clone(rec.Meta)
			r.state.ReplaceConnected(updated)
		}
	}

	r.publishEvent(mqtt.EventUpdate, DeviceEvent{
		Bridge:   r.bridge,
		DeviceID: cmd.DeviceID,
		Status:   replyOK,
		Updates:  applied,
		CallID:   cmd.CallID,
	})
}

// applyUpdates applies recognised keys to rec and returns those applied.
// Unrecognised keys are ignored.
func applyUpdates(rec *DeviceRecord, updates map[string]any) (map[string]any, error) {
	applied := make(map[string]any, len(updates))
	for key, v := range updates {
		switch key {
		case "name", "productName", "vendorName":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("update %q: expected a string, got %T", key, v)
			}
			switch key {
			case "name":
				rec.Name = s
			case "productName":
				rec.ProductName = s
			case "vendorName":
				rec.VendorName = s
			}
			applied[key] = s
		case "meta":
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("update %q: expected an object, got %T", key, v)
			}
			meta := make(map[string]string, len(m))
			for mk, mv := range m {
				meta[mk] = fmt.Sprint(mv)
			}
			rec.Meta = meta
			applied[key] = meta
		}
	}
	return applied, nil
}

// connectedDevice resolves the target of a value command.
func (r *Router) connectedDevice(id string) (*Device, error) {
	if id == "" {
		return nil, ErrMissingDeviceID
	}
	dev, ok := r.state.Connected(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return dev, nil
}

func (r *Router) handleValuesGet(payload []byte) {
	cmd, ok := decode[ValuesGetCommand](r, mqtt.CommandValuesGet, payload)
	if !ok {
		return
	}
	dev, err := r.connectedDevice(cmd.DeviceID)
	if err != nil {
		r.replyError(mqtt.CommandValuesGet, cmd.DeviceID, cmd.CallID, err)
		return
	}

	names := cmd.Values
	if len(names) == 0 {
		for _, p := range dev.Converter.Properties() {
			if p.Read {
				names = append(names, p.Name)
			}
		}
	}

	r.spawn("values get", func() {
		values := r.batch(dev, names, func(ctx context.Context, name string) (converter.Reading, error) {
			return r.readValue(ctx, dev, name)
		})
		r.publishValues(dev.ID, cmd.CallID, values)
	})
}

func (r *Router) handleValuesSet(payload []byte) {
	cmd, ok := decode[ValuesSetCommand](r, mqtt.CommandValuesSet, payload)
	if !ok {
		return
	}
	dev, err := r.connectedDevice(cmd.DeviceID)
	if err != nil {
		r.replyError(mqtt.CommandValuesSet, cmd.DeviceID, cmd.CallID, err)
		return
	}

	names := make([]string, 0, len(cmd.Values))
	for name := range cmd.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	r.spawn("values set", func() {
		values := r.batch(dev, names, func(ctx context.Context, name string) (converter.Reading, error) {
			return r.writeValue(ctx, dev, name, cmd.Values[name])
		})
		r.publishValues(dev.ID, cmd.CallID, values)
	})
}

// batch runs op for every property concurrently. A failing or panicking
// property is logged and left out; the others are unaffected.
func (r *Router) batch(dev *Device, names []string, op func(ctx context.Context, name string) (converter.Reading, error)) map[string]ValueDTO {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]ValueDTO, len(names))
	)
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logError("recovered from panic", "in", "property "+name, "device_id", dev.ID, "panic", rec)
				}
			}()

			ctx, cancel := r.ioContext(r.opts.IOTimeout)
			defer cancel()
			reading, err := op(ctx, name)
			if err != nil {
				r.logWarn("property operation failed",
					"device_id", dev.ID,
					"property", name,
					"error", err,
				)
				return
			}
			r.record(dev.ID, name, reading)

			mu.Lock()
			out[name] = valueDTO(reading)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

var errNotReadable = errors.New("property is not readable")

func (r *Router) readValue(ctx context.Context, dev *Device, name string) (converter.Reading, error) {
	p, err := dev.Converter.PropertyByName(name)
	if err != nil {
		return converter.Reading{}, err
	}
	if !p.Read {
		return converter.Reading{}, fmt.Errorf("%w: %s", errNotReadable, name)
	}
	addr, err := dev.Converter.AddressOf(name)
	if err != nil {
		return converter.Reading{}, err
	}
	raw, err := r.adapter.Read(ctx, dev, addr)
	if err != nil {
		return converter.Reading{}, err
	}
	return dev.Converter.Get(p, raw)
}

// writeValue encodes and writes one value. The reported value is the
// encoded one decoded again, so the server sees what the device received.
func (r *Router) writeValue(ctx context.Context, dev *Device, name string, v any) (converter.Reading, error) {
	p, err := dev.Converter.PropertyByName(name)
	if err != nil {
		return converter.Reading{}, err
	}
	raw, err := dev.Converter.Set(p, v)
	if err != nil {
		return converter.Reading{}, err
	}
	addr, err := dev.Converter.AddressOf(name)
	if err != nil {
		return converter.Reading{}, err
	}
	if err := r.adapter.Write(ctx, dev, addr, raw); err != nil {
		return converter.Reading{}, err
	}
	reading, err := dev.Converter.Get(p, raw)
	if err != nil {
		return converter.Reading{Value: v}, nil
	}
	return reading, nil
}

func (r *Router) publishValues(deviceID, callID string, values map[string]ValueDTO) {
	r.publishEvent(mqtt.EventValuesGet, ValuesEvent{
		Bridge:   r.bridge,
		DeviceID: deviceID,
		Status:   replyOK,
		Values:   values,
		CallID:   callID,
	})
}

// record forwards numeric readings to the value recorder.
func (r *Router) record(deviceID, property string, reading converter.Reading) {
	if r.opts.Recorder == nil || reading.Numeric == nil {
		return
	}
	r.opts.Recorder.RecordValue(r.bridge, deviceID, property, *reading.Numeric)
}

// handleTransportEvent reacts to events the adapter raised on its own.
func (r *Router) handleTransportEvent(ev TransportEvent) {
	r.logDebug("transport event", "kind", ev.Kind.String(), "device_id", ev.DeviceID)

	switch ev.Kind {
	case EventAnnounce:
		if ev.DeviceID == "" || r.state.IsConnected(ev.DeviceID) {
			return
		}
		rec, ok := r.state.Registered(ev.DeviceID)
		if !ok {
			return
		}
		if rec.ProductName == "" {
			rec.ProductName = ev.ProductName
		}
		r.startConnect(rec, connectRequest{quiet: true})

	case EventLeave:
		if dev, ok := r.state.Detach(ev.DeviceID); ok {
			r.spawn("release", func() { r.release(dev) })
			if r.opts.Recorder != nil {
				r.opts.Recorder.RecordConnection(r.bridge, dev.ID, false)
			}
		}
		r.logInfo("device left the network", "device_id", ev.DeviceID)
		r.publishEvent(mqtt.EventRemove, DeviceEvent{
			Bridge:   r.bridge,
			DeviceID: ev.DeviceID,
			Status:   replyOK,
		})
		r.publishStatus()

	case EventLinkLost:
		dev, ok := r.state.Detach(ev.DeviceID)
		if !ok {
			return
		}
		r.logInfo("device link lost", "device_id", dev.ID, "error", ev.Err)
		r.spawn("release", func() {
			r.release(dev)
			r.disconnected(dev.ID, "")
		})

	case EventAdapterDown:
		r.logError("transport adapter down", "error", ev.Err)
		for _, dev := range r.state.DetachAll() {
			r.disconnected(dev.ID, "")
		}
		r.state.SetStatus(StatusOffline)
		r.publishStatus()

	case EventAdapterUp:
		r.logInfo("transport adapter up")
		r.state.SetStatus(StatusOnline)
		r.publishStatus()
		if r.opts.Policy == PolicyRegisteredIsConnected {
			for _, rec := range r.state.RegisteredDevices() {
				if !r.state.IsConnected(rec.DeviceID) {
					r.startConnect(rec, connectRequest{quiet: true, probe: r.opts.ProbeMains})
				}
			}
		}
	}
}
