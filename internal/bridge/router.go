package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/converter"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/mqtt"
)

// Router defaults.
const (
	defaultQueueSize         = 256
	defaultConnectAttempts   = 2
	defaultConnectRetryDelay = 500 * time.Millisecond
	defaultConnectTimeout    = 20 * time.Second
	defaultIOTimeout         = 10 * time.Second
	defaultConfigureTimeout  = 5 * time.Second
	defaultScanTimeUnit      = time.Second
	defaultStatusInterval    = 60 * time.Second

	// releaseTimeout bounds a single Disconnect call.
	releaseTimeout = 5 * time.Second
)

// Logger is the logging interface used by the router.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the subset of the MQTT client the router needs.
// This allows mocking in tests.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// ValueRecorder receives numeric property values and connection changes
// for time-series storage. Implementations must not block.
type ValueRecorder interface {
	RecordValue(bridge, deviceID, property string, value float64)
	RecordConnection(bridge, deviceID string, connected bool)
}

// RegistryCache persists the registered view so a restart can reconnect
// devices before the server sends its first refresh.
type RegistryCache interface {
	Load(ctx context.Context, bridge string) ([]DeviceRecord, error)
	Replace(ctx context.Context, bridge string, records []DeviceRecord) error
	Put(ctx context.Context, bridge string, rec DeviceRecord) error
	Delete(ctx context.Context, bridge, deviceID string) error
}

// Options configures a Router.
type Options struct {
	// Bridge is the transport tag ("bluetooth", "zigbee", "lora", "http").
	Bridge string

	MQTT     MQTTClient
	Adapter  Adapter
	Registry *converter.Registry

	// Policy decides how refresh rebuilds the connected view.
	Policy ReconcilePolicy

	// ProbeMains probes mains-powered devices after a refresh and after
	// each background connect, dropping those that do not answer.
	ProbeMains bool

	// Recorder and Cache are optional.
	Recorder ValueRecorder
	Cache    RegistryCache

	Logger Logger

	QoS               byte
	QueueSize         int
	ConnectAttempts   int
	ConnectRetryDelay time.Duration
	ConnectTimeout    time.Duration
	IOTimeout         time.Duration
	ConfigureTimeout  time.Duration

	// ScanTimeUnit is the length of one unit of a scan command's duration.
	ScanTimeUnit time.Duration

	// StatusInterval is how often the retained bridge status is republished.
	StatusInterval time.Duration
}

// inbound is one queued bus message.
type inbound struct {
	topic   string
	payload []byte
}

// notification is a raw value change reported by an adapter subscription.
type notification struct {
	deviceID string
	prop     converter.Property
	raw      []byte
}

// Router maps bus commands onto one transport adapter and publishes the
// resulting events. Commands are dispatched in arrival order by a single
// loop; transport I/O runs on worker goroutines so a slow device never
// stalls the loop.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Router struct {
	opts     Options
	bridge   string
	bus      MQTTClient
	adapter  Adapter
	registry *converter.Registry
	state    *State
	status   *StatusReporter
	topics   mqtt.Topics
	handlers map[string]func(payload []byte)

	inbox         chan inbound
	notifications chan notification

	scanMu sync.Mutex
	scan   *scanSession

	cache   *cacheQueue
	cacheWG sync.WaitGroup

	// Shutdown coordination
	ctx       context.Context
	ctxCancel context.CancelFunc
	loopWG    sync.WaitGroup
	work      sync.WaitGroup
	stopOnce  sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRouter validates options and creates a router. Call Start to begin
// processing.
//
// Parameters:
//   - opts: Bridge tag, bus client and transport adapter are required.
//     A nil Registry defaults to the built-in converters for the bridge;
//     zero durations and sizes take the package defaults.
//
// Returns:
//   - *Router: Router ready to Start, with an offline status
//   - error: If a required option is missing
func NewRouter(opts Options) (*Router, error) {
	if opts.Bridge == "" {
		return nil, errors.New("bridge tag is required")
	}
	if opts.MQTT == nil {
		return nil, errors.New("MQTT client is required")
	}
	if opts.Adapter == nil {
		return nil, errors.New("transport adapter is required")
	}
	if opts.Registry == nil {
		opts.Registry = converter.NewRegistry(opts.Bridge)
	}
	applyDefaults(&opts)

	ctx, cancel := context.WithCancel(context.Background())
	state := NewState()

	r := &Router{
		opts:          opts,
		bridge:        opts.Bridge,
		bus:           opts.MQTT,
		adapter:       opts.Adapter,
		registry:      opts.Registry,
		state:         state,
		status:        NewStatusReporter(opts.Bridge, state, opts.MQTT, opts.StatusInterval),
		inbox:         make(chan inbound, opts.QueueSize),
		notifications: make(chan notification, opts.QueueSize),
		cache:         newCacheQueue(),
		ctx:           ctx,
		ctxCancel:     cancel,
		logger:        opts.Logger,
	}
	r.handlers = map[string]func([]byte){
		mqtt.CommandScan:       r.handleScan,
		mqtt.CommandScanCancel: r.handleScanCancel,
		mqtt.CommandConnect:    r.handleConnect,
		mqtt.CommandReconnect:  r.handleReconnect,
		mqtt.CommandRemove:     r.handleRemove,
		mqtt.CommandDisconnect: r.handleDisconnect,
		mqtt.CommandValuesSet:  r.handleValuesSet,
		mqtt.CommandValuesGet:  r.handleValuesGet,
		mqtt.CommandRefresh:    r.handleRefresh,
		mqtt.CommandList:       r.handleList,
		mqtt.CommandCreate:     r.handleCreate,
		mqtt.CommandUpdate:     r.handleUpdate,
	}
	r.status.SetLogger(opts.Logger)
	return r, nil
}

func applyDefaults(opts *Options) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = defaultConnectAttempts
	}
	if opts.ConnectRetryDelay <= 0 {
		opts.ConnectRetryDelay = defaultConnectRetryDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = defaultIOTimeout
	}
	if opts.ConfigureTimeout <= 0 {
		opts.ConfigureTimeout = defaultConfigureTimeout
	}
	if opts.ScanTimeUnit <= 0 {
		opts.ScanTimeUnit = defaultScanTimeUnit
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = defaultStatusInterval
	}
}

// Start restores the cached registry, subscribes to the bridge's command
// topics and starts the dispatch loop and status reporting.
func (r *Router) Start(ctx context.Context) error {
	if r.opts.Cache != nil {
		r.cacheWG.Add(1)
		go r.runCache()

		records, err := r.opts.Cache.Load(ctx, r.bridge)
		if err != nil {
			r.logWarn("failed to load device cache", "error", err)
		} else if len(records) > 0 {
			r.logInfo("restoring cached devices", "count", len(records))
			r.applyRefresh(records, false)
		}
	}

	topic := r.topics.AllBridgeCommands(r.bridge)
	if err := r.bus.Subscribe(topic, r.opts.QoS, r.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	r.state.SetStatus(StatusOnline)

	r.loopWG.Add(1)
	go r.loop()

	r.status.Start(r.ctx)

	r.logInfo("bridge router started", "topic", topic)
	return nil
}

// Stop cancels any scan, waits for in-flight work, flushes queued cache
// writes, releases every device handle and publishes the offline status.
// Safe to call multiple times.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.logInfo("stopping bridge router")

		//nolint:errcheck // Best-effort during shutdown
		r.bus.Unsubscribe(r.topics.AllBridgeCommands(r.bridge))

		r.cancelScan()
		r.ctxCancel()
		r.loopWG.Wait()
		r.work.Wait()
		r.cache.close()
		r.cacheWG.Wait()

		for _, dev := range r.state.DetachAll() {
			r.release(dev)
		}
		r.state.SetStatus(StatusOffline)
		r.status.Stop()

		r.logInfo("bridge router stopped")
	})
}

// State exposes the router's device views.
func (r *Router) State() *State {
	return r.state
}

// SetLogger sets the logger for this router.
func (r *Router) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
	r.status.SetLogger(logger)
}

// handleMQTTMessage queues an inbound message. It never blocks the MQTT
// client; when the queue is full the message is dropped.
func (r *Router) handleMQTTMessage(topic string, payload []byte) {
	msg := inbound{topic: topic, payload: bytes.Clone(payload)}
	select {
	case r.inbox <- msg:
	default:
		r.logWarn("command queue full, dropping message", "topic", topic)
	}
}

// loop is the single dispatcher. It owns ordering: commands, transport
// events and notifications are each handled in the order they arrive.
func (r *Router) loop() {
	defer r.loopWG.Done()

	events := r.adapter.Events()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.inbox:
			r.dispatch(msg)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.safely("transport event", func() { r.handleTransportEvent(ev) })
		case n := <-r.notifications:
			r.safely("notification", func() { r.handleNotification(n) })
		}
	}
}

func (r *Router) dispatch(msg inbound) {
	command, ok := r.topics.CommandOf(r.bridge, msg.topic)
	if !ok {
		r.logWarn("ignoring message on unexpected topic", "topic", msg.topic)
		return
	}
	handler, ok := r.handlers[command]
	if !ok {
		r.logWarn("ignoring unknown command", "command", command, "topic", msg.topic)
		return
	}

	r.logDebug("dispatching command", "command", command)
	r.safely(command, func() { handler(msg.payload) })
}

// safely runs fn and converts a panic into an error log.
func (r *Router) safely(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logError("recovered from panic", "in", what, "panic", rec)
		}
	}()
	fn()
}

// spawn runs fn on a tracked worker goroutine. Nothing new starts once the
// router is stopping.
func (r *Router) spawn(what string, fn func()) {
	if r.ctx.Err() != nil {
		return
	}
	r.work.Add(1)
	go func() {
		defer r.work.Done()
		r.safely(what, fn)
	}()
}

// ioContext bounds one device I/O operation. It is detached from router
// shutdown so that in-flight reads and writes complete.
func (r *Router) ioContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.ctx), timeout)
}

// decode parses a command payload. An empty payload is treated as {}.
// Malformed payloads are logged and dropped.
func decode[T any](r *Router, command string, payload []byte) (T, bool) {
	var v T
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		r.logWarn("dropping malformed command", "command", command, "error", err)
		return v, false
	}
	return v, true
}

// replyEvents maps a command to the server event its errors are reported on.
var replyEvents = map[string]string{
	mqtt.CommandConnect:    mqtt.EventConnect,
	mqtt.CommandReconnect:  mqtt.EventConnect,
	mqtt.CommandDisconnect: mqtt.EventDisconnect,
	mqtt.CommandRemove:     mqtt.EventRemove,
	mqtt.CommandValuesSet:  mqtt.EventValuesGet,
	mqtt.CommandValuesGet:  mqtt.EventValuesGet,
	mqtt.CommandUpdate:     mqtt.EventUpdate,
	mqtt.CommandCreate:     mqtt.EventCreate,
	mqtt.CommandList:       mqtt.EventList,
}

// replyError publishes a structured error for a failed command.
func (r *Router) replyError(command, deviceID, callID string, err error) {
	r.logWarn("command failed", "command", command, "device_id", deviceID, "error", err)
	event, ok := replyEvents[command]
	if !ok {
		event = mqtt.EventConnect
	}
	r.publishEvent(event, DeviceEvent{
		Bridge:   r.bridge,
		DeviceID: deviceID,
		Command:  command,
		Status:   replyError,
		Error:    err.Error(),
		CallID:   callID,
	})
}

// publishEvent marshals payload and publishes it on server/devices/<event>.
func (r *Router) publishEvent(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logError("failed to marshal event", "event", event, "error", err)
		return
	}
	if err := r.bus.Publish(r.topics.ServerEvent(event), data, r.opts.QoS, false); err != nil {
		r.logWarn("failed to publish event", "event", event, "error", err)
	}
}

// PublishStatus publishes the retained bridge status as the router
// currently sees it. The service calls it after every broker reconnect so
// a broker restart does not leave a stale status retained.
func (r *Router) PublishStatus() error {
	return r.status.PublishNow()
}

func (r *Router) publishStatus() {
	if err := r.PublishStatus(); err != nil {
		r.logWarn("failed to publish bridge status", "error", err)
	}
}

// getLogger returns the logger under read lock.
func (r *Router) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

func (r *Router) logDebug(msg string, keysAndValues ...any) {
	if l := r.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (r *Router) logInfo(msg string, keysAndValues ...any) {
	if l := r.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (r *Router) logWarn(msg string, keysAndValues ...any) {
	if l := r.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (r *Router) logError(msg string, keysAndValues ...any) {
	if l := r.getLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}

// NopLogger discards all log output. Transports use it when no logger is given.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
