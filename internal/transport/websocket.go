package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/protocol"
)

const maxFrameSize = 64 << 10

// ErrNotConnected is returned by Send while the bridge is down.
var ErrNotConnected = errors.New("mesh bridge not connected")

// Config configures the bridge client.
type Config struct {
	URL          string
	Token        string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Stats counts bridge activity.
type Stats struct {
	Connected bool  `json:"connected"`
	Dials     int64 `json:"dials"`
	Received  int64 `json:"received"`
	Sent      int64 `json:"sent"`
	Rejected  int64 `json:"rejected"`
	BadFrames int64 `json:"bad_frames"`
}

// WebSocket is a mesh.Transport over a bridge websocket.
type WebSocket struct {
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	// writeMu serialises writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	dials     atomic.Int64
	received  atomic.Int64
	sent      atomic.Int64
	rejected  atomic.Int64
	badFrames atomic.Int64
}

var _ mesh.Transport = (*WebSocket)(nil)

// NewWebSocket creates a bridge client. Nothing is dialled until Run.
func NewWebSocket(cfg Config, logger *slog.Logger, clock clockwork.Clock) *WebSocket {
	cfg.applyDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WebSocket{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Name implements mesh.Transport.
func (w *WebSocket) Name() string { return "websocket" }

// Connected reports whether a bridge connection is up.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Stats returns a snapshot of the counters.
func (w *WebSocket) Stats() Stats {
	return Stats{
		Connected: w.Connected(),
		Dials:     w.dials.Load(),
		Received:  w.received.Load(),
		Sent:      w.sent.Load(),
		Rejected:  w.rejected.Load(),
		BadFrames: w.badFrames.Load(),
	}
}

// Run dials the bridge and pumps frames until ctx is cancelled.
func (w *WebSocket) Run(ctx context.Context, ingest func(mesh.Message)) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := w.dial(ctx)
		if err != nil {
			delay := w.backoff(attempt)
			attempt++
			w.logger.Warn("mesh bridge dial failed", "url", w.cfg.URL, "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-w.clock.After(delay):
			}
			continue
		}

		attempt = 0
		w.logger.Info("mesh bridge connected", "url", w.cfg.URL)
		err = w.serve(ctx, conn, ingest)
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("mesh bridge connection lost", "error", err, "retry_in", w.cfg.ReconnectMin)
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(w.cfg.ReconnectMin):
		}
	}
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	w.dials.Add(1)
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", w.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}
	return conn, nil
}

// backoff returns min(ReconnectMin*2^attempt, ReconnectMax).
func (w *WebSocket) backoff(attempt int) time.Duration {
	d := w.cfg.ReconnectMin
	for i := 0; i < attempt && d < w.cfg.ReconnectMax; i++ {
		d *= 2
	}
	return min(d, w.cfg.ReconnectMax)
}

func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn, ingest func(mesh.Message)) error {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	if w.cfg.PingInterval > 0 {
		pongWait := 2 * w.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- w.readLoop(conn, ingest)
	}()

	var ping <-chan time.Time
	if w.cfg.PingInterval > 0 {
		ticker := w.clock.NewTicker(w.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			w.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "gateway stopping"))
			w.writeMu.Unlock()
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ping:
			w.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (w *WebSocket) readLoop(conn *websocket.Conn, ingest func(mesh.Message)) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			w.badFrames.Add(1)
			w.logger.Warn("mesh bridge frame rejected", "error", err)
			continue
		}

		switch frame.Type {
		case protocol.FrameRX:
			msg := mesh.NewMessage(frame.From, frame.Text, frame.Channel, frame.Direct, frame.Timestamp)
			if frame.ID != "" {
				msg.ID = frame.ID
			}
			w.received.Add(1)
			ingest(msg)
		case protocol.FrameAck:
			w.logger.Debug("mesh bridge ack", "id", frame.ID)
		case protocol.FrameError:
			w.rejected.Add(1)
			w.logger.Warn("mesh bridge reported error", "id", frame.ID, "error", frame.Error)
		default:
			w.badFrames.Add(1)
			w.logger.Debug("mesh bridge frame ignored", "type", frame.Type)
		}
	}
}

// Send writes resp as a tx frame.
func (w *WebSocket) Send(ctx context.Context, resp mesh.Response) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame := protocol.Frame{
		Type:    protocol.FrameTX,
		ID:      uuid.NewString(),
		To:      resp.To,
		Channel: resp.Channel,
		Text:    resp.Text,
	}

	deadline := time.Now().Add(w.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send tx frame: %w", err)
	}
	w.sent.Add(1)
	return nil
}
