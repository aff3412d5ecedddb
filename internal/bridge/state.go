package bridge

import (
	"fmt"
	"maps"
	"sort"
	"sync"
)

// ReconcilePolicy decides how a refresh rebuilds the connected view.
type ReconcilePolicy int

const (
	// PolicyHandshake keeps a device out of the connected view until a
	// transport handshake succeeds (bluetooth).
	PolicyHandshake ReconcilePolicy = iota

	// PolicyRegisteredIsConnected treats every registered device as
	// connectable without a handshake (zigbee, lora, http).
	PolicyRegisteredIsConnected
)

// Phase is a device's position in the lifecycle.
type Phase string

// Device lifecycle phases.
const (
	PhaseUnknown      Phase = "unknown"
	PhaseDiscovered   Phase = "discovered"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
)

// RefreshPlan is what the router has to do after a refresh was applied.
type RefreshPlan struct {
	// Connect lists registered devices that should get a transport link.
	Connect []DeviceRecord

	// Drop lists devices detached from the connected view. Their handles
	// still need releasing.
	Drop []*Device
}

// State holds the per-bridge views of devices. All methods are safe for
// concurrent use.
//
// Invariant: every device in the connected view has a non-nil handle.
type State struct {
	mu         sync.RWMutex
	status     Status
	connected  map[string]*Device
	registered map[string]DeviceRecord
	discovered map[string]Sighting
	departed   map[string]bool

	// connecting holds the ticket of the connect in flight per device.
	// A zero ticket means the connect was cancelled and must not commit.
	connecting map[string]uint64
	tickets    uint64
}

// NewState creates an empty, offline state.
func NewState() *State {
	return &State{
		status:     StatusOffline,
		connected:  make(map[string]*Device),
		registered: make(map[string]DeviceRecord),
		discovered: make(map[string]Sighting),
		departed:   make(map[string]bool),
		connecting: make(map[string]uint64),
	}
}

// Status returns the bridge status.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus updates the bridge status and reports whether it changed.
func (s *State) SetStatus(st Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.status != st
	s.status = st
	return changed
}

// Counts returns the sizes of the connected and registered views.
func (s *State) Counts() (connected, registered int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connected), len(s.registered)
}

// Connected returns the connected device with the given ID.
func (s *State) Connected(id string) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.connected[id]
	return d, ok
}

// IsConnected reports whether the device is in the connected view.
func (s *State) IsConnected(id string) bool {
	_, ok := s.Connected(id)
	return ok
}

// ConnectedDevices returns the connected view sorted by device ID.
func (s *State) ConnectedDevices() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Device, 0, len(s.connected))
	for _, d := range s.connected {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CommitConnect adds a device whose connect was claimed with ticket.
// It returns ErrConnectCancelled when a disconnect, removal, refresh or
// transport fault arrived while the connect was in flight; the caller
// still owns the handle and must release it.
func (s *State) CommitConnect(dev *Device, ticket uint64) error {
	if dev == nil || dev.Handle == nil {
		return ErrNoHandle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket == 0 || s.connecting[dev.ID] != ticket {
		return fmt.Errorf("%w: %s", ErrConnectCancelled, dev.ID)
	}
	s.connected[dev.ID] = dev
	delete(s.departed, dev.ID)
	return nil
}

// cancelConnect voids the in-flight connect of a device, if any. The claim
// stays until EndConnect so no second connect overlaps the first.
// Callers hold s.mu.
func (s *State) cancelConnect(id string) {
	if _, ok := s.connecting[id]; ok {
		s.connecting[id] = 0
	}
}

// Detach removes a device from the connected view and returns it so the
// caller can release its handle. A connect in flight for the device is
// cancelled either way.
func (s *State) Detach(id string) (*Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelConnect(id)
	d, ok := s.connected[id]
	if !ok {
		return nil, false
	}
	delete(s.connected, id)
	s.departed[id] = true
	return d, true
}

// DetachAll empties the connected view and returns what it held, sorted.
// Every connect in flight is cancelled.
func (s *State) DetachAll() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.connecting {
		s.cancelConnect(id)
	}
	out := make([]*Device, 0, len(s.connected))
	for id, d := range s.connected {
		out = append(out, d)
		s.departed[id] = true
	}
	clear(s.connected)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReplaceConnected swaps the stored device for an updated copy, keeping
// its handle. It does nothing when the device is not connected.
func (s *State) ReplaceConnected(dev *Device) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.connected[dev.ID]
	if !ok {
		return false
	}
	dev.Handle = cur.Handle
	s.connected[dev.ID] = dev
	return true
}

// BeginConnect claims the device for a connect attempt and returns the
// ticket CommitConnect expects. It returns false when one is already
// running.
func (s *State) BeginConnect(id string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.connecting[id]; busy {
		return 0, false
	}
	s.tickets++
	s.connecting[id] = s.tickets
	return s.tickets, true
}

// EndConnect releases the claim taken by BeginConnect.
func (s *State) EndConnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connecting, id)
}

// Registered returns the server record for a device.
func (s *State) Registered(id string) (DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.registered[id]
	return r, ok
}

// IsRegistered reports whether the server knows the device.
func (s *State) IsRegistered(id string) bool {
	_, ok := s.Registered(id)
	return ok
}

// RegisteredDevices returns the registered view sorted by device ID.
func (s *State) RegisteredDevices() []DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(s.registered))
	for _, r := range s.registered {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// AddRegistered inserts or replaces a server record.
func (s *State) AddRegistered(rec DeviceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Meta = maps.Clone(rec.Meta)
	s.registered[rec.DeviceID] = rec
}

// RemoveRegistered deletes a server record and cancels any connect in
// flight for it. Removing an absent device is not an error; the return
// value reports whether anything was removed.
func (s *State) RemoveRegistered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelConnect(id)
	_, ok := s.registered[id]
	delete(s.registered, id)
	return ok
}

// ApplyRefresh replaces the registered view with records and reconciles
// the connected view according to policy.
//
// Connected devices the server no longer knows are dropped under either
// policy, and connects in flight for them are cancelled. Under PolicyRegisteredIsConnected every registered device that is
// neither connected nor connecting is returned for connection. Applying
// the same records twice yields the same views.
func (s *State) ApplyRefresh(records []DeviceRecord, policy ReconcilePolicy) RefreshPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]DeviceRecord, len(records))
	for _, rec := range records {
		if rec.DeviceID == "" {
			continue
		}
		rec.Meta = maps.Clone(rec.Meta)
		next[rec.DeviceID] = rec
	}
	s.registered = next

	var plan RefreshPlan
	for id, d := range s.connected {
		if _, ok := next[id]; !ok {
			plan.Drop = append(plan.Drop, d)
			delete(s.connected, id)
			s.departed[id] = true
		}
	}
	sort.Slice(plan.Drop, func(i, j int) bool { return plan.Drop[i].ID < plan.Drop[j].ID })
	for id := range s.connecting {
		if _, ok := next[id]; !ok {
			s.cancelConnect(id)
		}
	}

	if policy == PolicyRegisteredIsConnected {
		for id, rec := range next {
			if _, ok := s.connected[id]; ok {
				continue
			}
			if _, ok := s.connecting[id]; ok {
				continue
			}
			plan.Connect = append(plan.Connect, rec)
		}
		sort.Slice(plan.Connect, func(i, j int) bool { return plan.Connect[i].DeviceID < plan.Connect[j].DeviceID })
	}
	return plan
}

// RecordSighting merges a sighting into the discovered view. The latest
// sighting wins, except that connectable stays true once any sighting of
// the device reported it.
func (s *State) RecordSighting(sg Sighting) Sighting {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.discovered[sg.DeviceID]; ok {
		sg.Connectable = sg.Connectable || prev.Connectable
		if sg.ProductName == "" {
			sg.ProductName = prev.ProductName
		}
		if sg.VendorName == "" {
			sg.VendorName = prev.VendorName
		}
	}
	sg.Meta = maps.Clone(sg.Meta)
	s.discovered[sg.DeviceID] = sg
	return sg
}

// Discovered returns the latest sighting of a device.
func (s *State) Discovered(id string) (Sighting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.discovered[id]
	return sg, ok
}

// ResetDiscovered empties the discovered view.
func (s *State) ResetDiscovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.discovered)
}

// Phase returns the lifecycle phase of a device.
func (s *State) Phase(id string) Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.connected[id] != nil:
		return PhaseConnected
	case s.connecting[id] != 0:
		return PhaseConnecting
	case s.departed[id]:
		return PhaseDisconnected
	}
	if _, ok := s.discovered[id]; ok {
		return PhaseDiscovered
	}
	return PhaseUnknown
}
