package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/mqtt"
)

// StatusPublisher is the interface for publishing status messages.
// This is typically implemented by an MQTT client.
type StatusPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// StatusReporter publishes the retained bridge status at regular intervals
// and whenever the router asks for it.
type StatusReporter struct {
	bridge    string
	interval  time.Duration
	state     *State
	publisher StatusPublisher

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex
}

// NewStatusReporter creates a status reporter for a bridge.
//
// Parameters:
//   - bridge: Transport tag stamped on every status message
//   - state: Device views the counts and online flag are read from
//   - publisher: Where retained status messages go
//   - interval: Republish period; zero or negative uses the default
//
// Returns:
//   - *StatusReporter: Reporter ready to Start
func NewStatusReporter(bridge string, state *State, publisher StatusPublisher, interval time.Duration) *StatusReporter {
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	return &StatusReporter{
		bridge:    bridge,
		interval:  interval,
		state:     state,
		publisher: publisher,
		done:      make(chan struct{}),
	}
}

// Start begins periodic status reporting.
func (s *StatusReporter) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.reportLoop(ctx)
}

// Stop stops reporting and publishes a final offline status.
// Safe to call multiple times.
func (s *StatusReporter) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown, nothing we can do if it fails
		s.publish(StatusOffline)
	})
}

// SetLogger sets the logger for this reporter.
func (s *StatusReporter) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// PublishNow publishes the current status immediately.
func (s *StatusReporter) PublishNow() error {
	return s.publish(s.state.Status())
}

func (s *StatusReporter) reportLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.PublishNow(); err != nil {
		s.logError("failed to publish initial status", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.PublishNow(); err != nil {
				s.logError("failed to publish status", err)
			}
		}
	}
}

func (s *StatusReporter) publish(status Status) error {
	if s.publisher == nil {
		return nil
	}
	connected, registered := s.state.Counts()
	payload, err := json.Marshal(StatusEvent{
		Bridge:            s.bridge,
		Status:            status,
		DevicesConnected:  connected,
		DevicesRegistered: registered,
		Timestamp:         time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	// QoS 1, retained
	return s.publisher.Publish(mqtt.Topics{}.BridgeStatus(), payload, 1, true)
}

func (s *StatusReporter) logError(msg string, err error) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
