package shared

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/quantfold/marketpipe/internal/bus"
	"github.com/quantfold/marketpipe/internal/schema"
)

const (
	wsControlWriteTimeout = 5 * time.Second
	wsPingTimeout         = 5 * time.Second
	wsDialTimeout         = 10 * time.Second
)

// WSConfig configures one websocket session.
type WSConfig struct {
	URL string
	// StreamID names the connection on the bus (e.g. "binance.futures").
	StreamID string
	// ControlInterval paces outbound control frames; venues rate limit them.
	ControlInterval time.Duration
	// PingInterval keeps the connection alive; zero disables the ping loop
	// for venues that ping from their side.
	PingInterval time.Duration
	ReadLimit    int64
	Reconnect    ReconnectPolicy
}

// WSManager owns a single websocket session with automatic reconnection.
// The venue adapter supplies the message handler and the resubscribe hook;
// the manager supplies pacing, keepalive and deterministic backoff. Every
// connection loss publishes market:disconnected so book state downstream
// resets.
type WSManager struct {
	cfg     WSConfig
	bus     *bus.Bus
	logger  *log.Logger
	handler func([]byte)
	// onConnect runs after each successful dial, before the read loop;
	// adapters resubscribe here.
	onConnect func(ctx context.Context) error

	ctx    context.Context
	cancel context.CancelFunc

	conn      *websocket.Conn
	connMu    sync.RWMutex
	msgIDGen  atomic.Uint64
	ready     chan struct{}
	readyOnce sync.Once

	controlMu       sync.Mutex
	lastControlSend time.Time
}

// NewWSManager constructs a manager; Start dials.
func NewWSManager(ctx context.Context, cfg WSConfig, b *bus.Bus, logger *log.Logger, handler func([]byte), onConnect func(ctx context.Context) error) *WSManager {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 2 * 1024 * 1024
	}
	mctx, cancel := context.WithCancel(ctx)
	return &WSManager{
		cfg:             cfg,
		bus:             b,
		logger:          logger,
		handler:         handler,
		onConnect:       onConnect,
		ctx:             mctx,
		cancel:          cancel,
		conn:            nil,
		connMu:          sync.RWMutex{},
		msgIDGen:        atomic.Uint64{},
		ready:           make(chan struct{}),
		readyOnce:       sync.Once{},
		controlMu:       sync.Mutex{},
		lastControlSend: time.Time{},
	}
}

// NextID hands out message IDs for request/response framing.
func (m *WSManager) NextID() uint64 { return m.msgIDGen.Add(1) }

// Start establishes the connection in the background and waits for the
// first successful dial.
func (m *WSManager) Start() error {
	go func() {
		if err := m.connect(); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Printf("%s: connection loop ended: %v", m.cfg.StreamID, err)
		}
	}()
	select {
	case <-m.ready:
		return nil
	case <-time.After(wsDialTimeout):
		return fmt.Errorf("%s: timeout waiting for websocket connection", m.cfg.StreamID)
	case <-m.ctx.Done():
		return fmt.Errorf("%s: context done: %w", m.cfg.StreamID, m.ctx.Err())
	}
}

// Stop closes the session and cancels the reconnect loop.
func (m *WSManager) Stop() {
	m.cancel()
	m.connMu.Lock()
	if m.conn != nil {
		_ = m.conn.Close(websocket.StatusNormalClosure, "shutdown")
		m.conn = nil
	}
	m.connMu.Unlock()
}

// connect keeps one session alive until the context terminates. Each failed
// attempt backs off with the deterministic policy; a stretch of stable
// connection resets the attempt counter.
func (m *WSManager) connect() error {
	attempt := 0
	for {
		select {
		case <-m.ctx.Done():
			return context.Canceled
		default:
		}

		attempt++
		conn, _, err := websocket.Dial(m.ctx, m.cfg.URL, nil)
		if err != nil {
			m.logger.Printf("%s: dial failed (attempt %d): %v", m.cfg.StreamID, attempt, err)
			if !m.sleep(m.cfg.Reconnect.Delay(attempt, false)) {
				return context.Canceled
			}
			continue
		}

		conn.SetReadLimit(m.cfg.ReadLimit)
		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()
		m.controlMu.Lock()
		m.lastControlSend = time.Time{}
		m.controlMu.Unlock()
		m.readyOnce.Do(func() { close(m.ready) })
		connectedAt := time.Now()

		if m.onConnect != nil {
			if err := m.onConnect(m.ctx); err != nil {
				m.logger.Printf("%s: post-connect hook failed: %v", m.cfg.StreamID, err)
			}
		}

		connCtx, connCancel := context.WithCancel(m.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- m.readLoop(connCtx, conn)
		}()
		if m.cfg.PingInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errCh <- m.pingLoop(connCtx, conn)
			}()
		}

		firstErr := <-errCh
		connCancel()

		m.connMu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()

		code := 0
		if status := websocket.CloseStatus(firstErr); status != -1 {
			code = int(status)
		}
		bus.Publish(m.bus, bus.TopicDisconnected, &schema.Disconnected{
			StreamID: m.cfg.StreamID,
			Code:     code,
			Meta: schema.EventMeta{
				TsEvent:       time.Now().UnixMilli(),
				TsIngest:      time.Now().UnixMilli(),
				TsExchange:    nil,
				Sequence:      nil,
				Source:        m.cfg.StreamID,
				StreamID:      m.cfg.StreamID,
				CorrelationID: "",
			},
		})
		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			m.logger.Printf("%s: connection lost: %v", m.cfg.StreamID, firstErr)
		}
		select {
		case <-m.ctx.Done():
			return context.Canceled
		default:
		}

		if m.cfg.Reconnect.ResetAfterMs > 0 &&
			time.Since(connectedAt).Milliseconds() >= m.cfg.Reconnect.ResetAfterMs {
			attempt = 0
		}
		violation := code == int(websocket.StatusPolicyViolation)
		if !m.sleep(m.cfg.Reconnect.Delay(attempt+1, violation)) {
			return context.Canceled
		}
	}
}

func (m *WSManager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// SendControl writes one control frame, pacing against the venue's control
// rate limit.
func (m *WSManager) SendControl(ctx context.Context, payload []byte) error {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	if err := m.waitControlWindowLocked(ctx); err != nil {
		return err
	}

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsControlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	m.lastControlSend = time.Now()
	return nil
}

func (m *WSManager) waitControlWindowLocked(ctx context.Context) error {
	if m.cfg.ControlInterval <= 0 || m.lastControlSend.IsZero() {
		return nil
	}
	wait := time.Until(m.lastControlSend.Add(m.cfg.ControlInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done while pacing control frames: %w", ctx.Err())
	case <-m.ctx.Done():
		return fmt.Errorf("context done while pacing control frames: %w", m.ctx.Err())
	}
}

func (m *WSManager) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if isAbort(err) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (m *WSManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if isAbort(err) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		m.handler(data)
	}
}

func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed)
}

// ChunkKeys splits keys into venue-sized subscribe batches.
func ChunkKeys(keys []string, size int) [][]string {
	if len(keys) == 0 {
		return nil
	}
	if size <= 0 || len(keys) <= size {
		snapshot := make([]string, len(keys))
		copy(snapshot, keys)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunk := make([]string, end-start)
		copy(chunk, keys[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
