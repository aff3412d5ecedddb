package zigbee

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
)

// ASH protocol constants
const (
	ashFlagByte   = 0x7E
	ashEscapeByte = 0x7D
	ashXON        = 0x11
	ashXOFF       = 0x13
	ashFlipBit    = 0x20
	ashCancelByte = 0x1A
	ashSubstitute = 0x18

	// Frame types (encoded in control byte)
	ashFrameData   = 0x00
	ashFrameACK    = 0x80
	ashFrameNAK    = 0xA0
	ashFrameRST    = 0xC0
	ashFrameRSTACK = 0xC1
	ashFrameERROR  = 0xC2

	ashMaxFrameLen = 256

	// ashRandomSeed starts the pseudo-random sequence that masks DATA fields.
	ashRandomSeed = 0x42
)

// ashLink is the ASH framing layer between the host and the NCP.
// It delivers unmasked DATA payloads in order on Recv.
type ashLink struct {
	port   io.ReadWriteCloser
	logger bridge.Logger

	writeMu sync.Mutex

	seqMu     sync.Mutex
	sendSeq   uint8
	recvSeq   uint8
	connected bool
	pending   map[uint8][]byte

	recv    chan []byte
	rstack  chan struct{}
	done    chan struct{}
	errMu   sync.Mutex
	err     error
	started sync.Once
}

func newASHLink(port io.ReadWriteCloser, logger bridge.Logger) *ashLink {
	if logger == nil {
		logger = bridge.NopLogger{}
	}
	return &ashLink{
		port:    port,
		logger:  logger,
		pending: make(map[uint8][]byte),
		recv:    make(chan []byte, 16),
		rstack:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Connect resets the NCP and waits for RSTACK.
func (a *ashLink) Connect(ctx context.Context) error {
	a.started.Do(func() { go a.readLoop() })

	select {
	case <-a.rstack:
	default:
	}

	if _, err := a.write([]byte{ashCancelByte}); err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}
	if _, err := a.write(controlFrame(ashFrameRST)); err != nil {
		return fmt.Errorf("send RST: %w", err)
	}
	a.logger.Debug("ASH TX RST")

	select {
	case <-a.rstack:
		a.logger.Info("ASH connection established")
		return nil
	case <-a.done:
		return a.Err()
	case <-ctx.Done():
		return fmt.Errorf("waiting for RSTACK: %w", ctx.Err())
	}
}

// Send wraps an EZSP frame in an ASH DATA frame.
func (a *ashLink) Send(payload []byte) error {
	a.seqMu.Lock()
	if !a.connected {
		a.seqMu.Unlock()
		return errors.New("ASH not connected")
	}
	seq := a.sendSeq
	a.sendSeq = (a.sendSeq + 1) & 0x07
	control := seq<<4 | a.recvSeq&0x07
	frame := dataFrame(control, payload)
	a.pending[seq] = frame
	a.seqMu.Unlock()

	if _, err := a.write(frame); err != nil {
		return fmt.Errorf("write DATA frame: %w", err)
	}
	return nil
}

// Recv returns the channel of received EZSP frames.
func (a *ashLink) Recv() <-chan []byte {
	return a.recv
}

// Done is closed when the port can no longer be read.
func (a *ashLink) Done() <-chan struct{} {
	return a.done
}

// Err returns the read error that closed Done.
func (a *ashLink) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	if a.err == nil {
		return ErrClosed
	}
	return a.err
}

// Close closes the serial port, which ends the read loop.
func (a *ashLink) Close() error {
	return a.port.Close()
}

func (a *ashLink) write(b []byte) (int, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.port.Write(b)
}

func (a *ashLink) readLoop() {
	r := bufio.NewReader(a.port)
	buf := make([]byte, 0, ashMaxFrameLen)

	for {
		b, err := r.ReadByte()
		if err != nil {
			a.errMu.Lock()
			a.err = err
			a.errMu.Unlock()
			close(a.done)
			return
		}

		switch b {
		case ashCancelByte, ashSubstitute:
			buf = buf[:0]
		case ashXON, ashXOFF:
		case ashFlagByte:
			if len(buf) > 0 {
				a.processFrame(buf)
				buf = buf[:0]
			}
		default:
			buf = append(buf, b)
			if len(buf) > ashMaxFrameLen {
				buf = buf[:0]
			}
		}
	}
}

func (a *ashLink) processFrame(stuffed []byte) {
	raw := ashUnstuff(stuffed)
	if len(raw) < 3 {
		return
	}

	body := raw[:len(raw)-2]
	got := uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1])
	if want := crcCCITT(body); got != want {
		a.logger.Warn("ASH CRC mismatch", "received", got, "computed", want)
		return
	}

	control := body[0]
	switch {
	case control == ashFrameRSTACK:
		a.handleRSTACK()
	case control == ashFrameERROR:
		a.logger.Error("ASH ERROR frame received", "frame", fmt.Sprintf("%x", body))
	case control&0x80 == ashFrameData:
		a.handleData(body)
	case control&0xE0 == ashFrameACK:
		a.acknowledge(control & 0x07)
	case control&0xE0 == ashFrameNAK:
		a.retransmit(control & 0x07)
	}
}

func (a *ashLink) handleRSTACK() {
	a.seqMu.Lock()
	a.sendSeq = 0
	a.recvSeq = 0
	a.connected = true
	a.pending = make(map[uint8][]byte)
	a.seqMu.Unlock()

	select {
	case a.rstack <- struct{}{}:
	default:
	}
}

func (a *ashLink) handleData(body []byte) {
	control := body[0]
	frmNum := control >> 4 & 0x07
	a.acknowledge(control & 0x07)

	a.seqMu.Lock()
	if frmNum != a.recvSeq {
		ack := a.recvSeq
		a.seqMu.Unlock()
		a.logger.Warn("ASH out-of-sequence DATA", "expected", ack, "got", frmNum)
		if _, err := a.write(controlFrame(ashFrameNAK | ack)); err != nil {
			a.logger.Error("ASH NAK send failed", "error", err)
		}
		return
	}
	a.recvSeq = (a.recvSeq + 1) & 0x07
	ack := a.recvSeq
	a.seqMu.Unlock()

	if _, err := a.write(controlFrame(ashFrameACK | ack)); err != nil {
		a.logger.Error("ASH ACK send failed", "error", err)
	}

	payload := ashRandomize(body[1:])
	select {
	case a.recv <- payload:
	default:
		a.logger.Warn("ASH receive buffer full, dropping frame")
	}
}

// acknowledge drops pending frames the NCP has confirmed.
func (a *ashLink) acknowledge(ackNum uint8) {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()
	for seq := range a.pending {
		if ashSeqBefore(seq, ackNum) {
			delete(a.pending, seq)
		}
	}
}

func (a *ashLink) retransmit(nakNum uint8) {
	a.seqMu.Lock()
	frame, ok := a.pending[nakNum]
	a.seqMu.Unlock()
	if !ok {
		return
	}
	// Set the reTx bit.
	raw := ashUnstuff(frame[:len(frame)-1])
	raw = raw[:len(raw)-2]
	raw[0] |= 0x08
	if _, err := a.write(sealFrame(raw)); err != nil {
		a.logger.Error("ASH retransmit failed", "error", err)
	}
}

// controlFrame builds a frame that is only a control byte (RST, ACK, NAK).
func controlFrame(control uint8) []byte {
	return sealFrame([]byte{control})
}

// dataFrame builds a DATA frame with a masked payload.
func dataFrame(control uint8, payload []byte) []byte {
	raw := make([]byte, 0, len(payload)+1)
	raw = append(raw, control)
	raw = append(raw, ashRandomize(payload)...)
	return sealFrame(raw)
}

// sealFrame appends the CRC, stuffs reserved bytes and adds the flag.
func sealFrame(raw []byte) []byte {
	crc := crcCCITT(raw)
	withCRC := append(append([]byte(nil), raw...), byte(crc>>8), byte(crc))
	return append(ashStuff(withCRC), ashFlagByte)
}

// ashRandomize XORs data with the ASH pseudo-random sequence. Applying it
// twice restores the input.
func ashRandomize(data []byte) []byte {
	out := make([]byte, len(data))
	rand := byte(ashRandomSeed)
	for i, b := range data {
		out[i] = b ^ rand
		if rand&0x01 == 0 {
			rand >>= 1
		} else {
			rand = rand>>1 ^ 0xB8
		}
	}
	return out
}

func ashStuff(data []byte) []byte {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		switch b {
		case ashFlagByte, ashEscapeByte, ashXON, ashXOFF, ashSubstitute, ashCancelByte:
			out = append(out, ashEscapeByte, b^ashFlipBit)
		default:
			out = append(out, b)
		}
	}
	return out
}

func ashUnstuff(data []byte) []byte {
	out := make([]byte, 0, len(data))
	escaped := false
	for _, b := range data {
		switch {
		case escaped:
			out = append(out, b^ashFlipBit)
			escaped = false
		case b == ashEscapeByte:
			escaped = true
		default:
			out = append(out, b)
		}
	}
	return out
}

// crcCCITT computes CRC-CCITT (0xFFFF initial, poly 0x1021).
func crcCCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// ashSeqBefore compares 3-bit sequence numbers with wraparound.
func ashSeqBefore(a, b uint8) bool {
	diff := (b - a) & 0x07
	return diff > 0 && diff <= 4
}
