package lora

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/config"
)

const (
	rxEventPrefix = "+EVT:RXP2P:"
	txDoneEvent   = "+EVT:TXP2P DONE"

	// continuousReceive keeps the radio listening until told otherwise.
	continuousReceive = 65535

	responseBufferSize = 16
	uplinkBufferSize   = 32
)

// Uplink is one frame heard by the modem.
type Uplink struct {
	RSSI    int
	SNR     int
	Payload []byte
}

// Modem drives a P2P LoRa modem over a line-oriented serial link.
// Commands are serialised; unsolicited receive events are delivered on
// Uplinks.
type Modem struct {
	port   io.ReadWriteCloser
	logger bridge.Logger

	cmdMu     sync.Mutex
	responses chan string
	uplinks   chan Uplink

	done      chan struct{}
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

// OpenModem opens the serial port named in cfg, 8N1.
func OpenModem(cfg config.LoRaConfig, logger bridge.Logger) (*Modem, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.SerialPort, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.SerialPort, err)
	}
	if logger != nil {
		logger.Info("lora modem port opened", "port", cfg.SerialPort, "baud", cfg.BaudRate)
	}
	return NewModem(port, logger), nil
}

// NewModem wraps an open port and starts reading from it.
func NewModem(port io.ReadWriteCloser, logger bridge.Logger) *Modem {
	if logger == nil {
		logger = bridge.NopLogger{}
	}
	m := &Modem{
		port:      port,
		logger:    logger,
		responses: make(chan string, responseBufferSize),
		uplinks:   make(chan Uplink, uplinkBufferSize),
		done:      make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// Configure switches the modem to P2P mode with the radio settings in cfg
// and starts continuous receive.
func (m *Modem) Configure(ctx context.Context, cfg config.LoRaConfig) error {
	cmds := []string{
		"AT+NWM=0",
		fmt.Sprintf("AT+P2P=%d:%d:%d:%d:%d:%d",
			cfg.Frequency, cfg.SpreadingFactor, cfg.Bandwidth, cfg.CodingRate, cfg.Preamble, cfg.TXPower),
		fmt.Sprintf("AT+PRECV=%d", continuousReceive),
	}
	for _, cmd := range cmds {
		if err := m.Command(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Command sends one AT command and waits for OK or an error code.
func (m *Modem) Command(ctx context.Context, cmd string) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	return m.command(ctx, cmd)
}

// Send transmits one frame. Receive is paused for the duration of the
// transmission and resumed afterwards, also when the transmission fails.
func (m *Modem) Send(ctx context.Context, frame []byte) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	if err := m.command(ctx, "AT+PRECV=0"); err != nil {
		return err
	}

	err := m.command(ctx, "AT+PSEND="+strings.ToUpper(hex.EncodeToString(frame)))
	if err == nil {
		err = m.await(ctx, func(line string) (bool, error) {
			return line == txDoneEvent, nil
		})
	}

	if rerr := m.command(context.WithoutCancel(ctx), fmt.Sprintf("AT+PRECV=%d", continuousReceive)); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// Uplinks returns received frames. Frames are dropped when nobody reads.
func (m *Modem) Uplinks() <-chan Uplink {
	return m.uplinks
}

// Done is closed when the port can no longer be read.
func (m *Modem) Done() <-chan struct{} {
	return m.done
}

// Err returns the read error that closed Done, if any.
func (m *Modem) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Close closes the serial port.
func (m *Modem) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.port.Close()
	})
	return err
}

// command must be called with cmdMu held.
func (m *Modem) command(ctx context.Context, cmd string) error {
	// Answers to an earlier timed-out command must not satisfy this one.
	for drained := false; !drained; {
		select {
		case <-m.responses:
		default:
			drained = true
		}
	}

	if _, err := io.WriteString(m.port, cmd+"\r\n"); err != nil {
		return fmt.Errorf("writing %q: %w", cmd, err)
	}

	err := m.await(ctx, func(line string) (bool, error) {
		switch {
		case line == "OK":
			return true, nil
		case strings.HasPrefix(line, "AT_") && strings.HasSuffix(line, "ERROR"):
			return true, fmt.Errorf("%w: %s answered %s", ErrModemRejected, cmd, line)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	m.logger.Debug("lora modem command", "command", cmd)
	return nil
}

func (m *Modem) await(ctx context.Context, match func(string) (bool, error)) error {
	for {
		select {
		case line := <-m.responses:
			if ok, err := match(line); ok {
				return err
			}
		case <-m.done:
			return ErrModemClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Modem) readLoop() {
	scanner := bufio.NewScanner(m.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, rxEventPrefix) {
			up, err := parseUplink(line)
			if err != nil {
				m.logger.Warn("lora uplink ignored", "line", line, "error", err)
				continue
			}
			select {
			case m.uplinks <- up:
			default:
				m.logger.Warn("lora uplink dropped, buffer full")
			}
			continue
		}

		select {
		case m.responses <- line:
		default:
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	m.errMu.Lock()
	m.err = err
	m.errMu.Unlock()
	close(m.done)
}

// parseUplink parses "+EVT:RXP2P:<rssi>:<snr>:<hex payload>".
func parseUplink(line string) (Uplink, error) {
	parts := strings.SplitN(strings.TrimPrefix(line, rxEventPrefix), ":", 3)
	if len(parts) != 3 {
		return Uplink{}, fmt.Errorf("expected rssi:snr:payload, got %d fields", len(parts))
	}
	rssi, err := strconv.Atoi(parts[0])
	if err != nil {
		return Uplink{}, fmt.Errorf("parsing rssi: %w", err)
	}
	snr, err := strconv.Atoi(parts[1])
	if err != nil {
		return Uplink{}, fmt.Errorf("parsing snr: %w", err)
	}
	payload, err := hex.DecodeString(parts[2])
	if err != nil {
		return Uplink{}, fmt.Errorf("decoding payload: %w", err)
	}
	return Uplink{RSSI: rssi, SNR: snr, Payload: payload}, nil
}
