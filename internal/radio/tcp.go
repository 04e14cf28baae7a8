package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	modemInitialBackoff = 2 * time.Second
	modemMaxBackoff     = 60 * time.Second
	modemDialTimeout    = 5 * time.Second
	modemFrameChanSize  = 256

	// Modem control opcodes. The modem firmware multiplexes data frames
	// and control messages on the same stream; a control message is a
	// 2-byte record {opcode, value}.
	modemCtlEscape   = 0xC0
	modemCtlSyncWord = 0x53 // 'S'
)

// ModemRadio drives a LoRa modem exposed as a byte stream (serial-to-TCP
// bridge, default :4410). Stream framing: 2-byte big-endian length prefix
// per record; records starting with modemCtlEscape are control traffic,
// everything else is a raw on-air frame.
type ModemRadio struct {
	addr   string
	log    *zap.Logger
	frames chan Frame
	state  atomic.Bool // connected

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	framesRX  atomic.Uint64
	framesTX  atomic.Uint64
	badFrames atomic.Uint64
	lastRX    atomic.Int64 // unix nanos
}

// NewModemRadio constructs a ModemRadio. Call Connect to start the link.
func NewModemRadio(addr string, log *zap.Logger) *ModemRadio {
	return &ModemRadio{
		addr:   addr,
		log:    log,
		frames: make(chan Frame, modemFrameChanSize),
	}
}

// Connect starts the reconnect loop. Idempotent.
func (r *ModemRadio) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.readLoop(ctx)
	return nil
}

// Close tears the link down and stops the reconnect loop.
func (r *ModemRadio) Close() error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
	r.state.Store(false)
	return nil
}

// Send writes one encoded on-air frame to the modem.
func (r *ModemRadio) Send(frame []byte) error {
	if err := r.writeRecord(frame); err != nil {
		return err
	}
	r.framesTX.Add(1)
	return nil
}

// SetSyncWord sends the sync-word control record to the modem. The
// caller serializes this against in-flight sends.
func (r *ModemRadio) SetSyncWord(sync byte) error {
	return r.writeRecord([]byte{modemCtlEscape, modemCtlSyncWord, sync})
}

// Frames returns the inbound validated-frame channel.
func (r *ModemRadio) Frames() <-chan Frame { return r.frames }

// LinkQuality reports counters; RSSI/SNR come from modem telemetry and
// are zero until the modem reports them.
func (r *ModemRadio) LinkQuality() Quality {
	var last time.Time
	if ns := r.lastRX.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Quality{
		LastRX:    last,
		FramesRX:  r.framesRX.Load(),
		FramesTX:  r.framesTX.Load(),
		BadFrames: r.badFrames.Load(),
	}
}

// ── internal ──────────────────────────────────────────────────────────────

func (r *ModemRadio) writeRecord(data []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	hdr := make([]byte, 2)
	binary.BigEndian.PutUint16(hdr, uint16(len(data)))
	if _, err := conn.Write(append(hdr, data...)); err != nil {
		return fmt.Errorf("radio: modem write: %w", err)
	}
	return nil
}

func (r *ModemRadio) readLoop(ctx context.Context) {
	defer r.wg.Done()

	backoff := modemInitialBackoff
	for {
		if ctx.Err() != nil {
			r.state.Store(false)
			return
		}

		conn, err := net.DialTimeout("tcp", r.addr, modemDialTimeout)
		if err != nil {
			r.log.Warn("radio: modem dial failed",
				zap.String("addr", r.addr),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, modemMaxBackoff)
				continue
			}
		}

		backoff = modemInitialBackoff
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		r.state.Store(true)
		r.log.Info("radio: modem connected", zap.String("addr", r.addr))

		r.readRecords(ctx, conn)

		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		r.state.Store(false)

		if ctx.Err() != nil {
			return
		}
		r.log.Info("radio: modem link lost, reconnecting",
			zap.Duration("backoff", backoff))
	}
}

func (r *ModemRadio) readRecords(ctx context.Context, conn net.Conn) {
	hdr := make([]byte, 2)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			if ctx.Err() == nil {
				r.log.Debug("radio: read record header", zap.Error(err))
			}
			return
		}
		n := binary.BigEndian.Uint16(hdr)
		if n == 0 || n > MaxFrameSize+1 {
			r.log.Warn("radio: invalid record size", zap.Uint16("size", n))
			return
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(conn, raw); err != nil {
			if ctx.Err() == nil {
				r.log.Debug("radio: read record body", zap.Error(err))
			}
			return
		}

		if raw[0] == modemCtlEscape {
			// Modem control/telemetry record; nothing actionable yet.
			continue
		}

		frame, err := Decode(raw)
		if err != nil {
			// Malformed frames are counted, never fatal.
			r.badFrames.Add(1)
			r.log.Debug("radio: discarding malformed frame", zap.Error(err))
			continue
		}
		frame.Received = time.Now().UTC()
		r.framesRX.Add(1)
		r.lastRX.Store(frame.Received.UnixNano())

		select {
		case r.frames <- frame:
		case <-ctx.Done():
			return
		default:
			r.log.Warn("radio: frame channel full, dropping frame")
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
