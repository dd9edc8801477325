// ============================================================================
// mtcbridge Connection Manager - TCP lifecycle and reconnection
// ============================================================================
//
// Package: internal/connection
// File: manager.go
// Purpose: Own the single device socket, its state machine, connect timeouts
//          and the automatic retry
//
// State Machine:
//
//   Disconnected ──Connect()──▶ Connecting ──dial ok──▶ Connected
//                                   │                       │
//                            timeout│error          read/write error, EOF
//                                   ▼                       │
//                                 Failed ◀──────────────────┘
//                                   │
//                       retry delay │ (exactly one retry per failure)
//                                   ▼
//                               Connecting
//
//   Teardown() from any state → Disconnected, no further retries.
//
// Ownership:
//   Every method runs on the owner's event loop goroutine. Blocking work runs
//   elsewhere and only posts Events back:
//     - dial goroutine    → EventDialed / EventDialFailed
//     - reader goroutine  → EventData / EventClosed
//     - retry timer       → EventRetry
//   Each Event carries the generation it was raised for. The generation is
//   bumped on every attempt, failure and teardown, so Handle() drops events
//   from superseded sockets without side effects (a late successful dial is
//   closed immediately). No locks are needed.
//
// Timeouts:
//   FirstConnectTimeout applies to the first attempt after Configure,
//   RetryConnectTimeout to every later one. Both bound only the dial; once
//   connected the deadline is released.
//
// Concurrent Connect:
//   A Connect() while Connecting joins the in-flight attempt; its waiter
//   receives the same Outcome. Exactly one socket is ever dialed per attempt.
//
// ============================================================================

package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/mtcbridge/pkg/types"
)

// EventKind identifies what a background goroutine observed.
type EventKind int

const (
	EventDialed EventKind = iota + 1
	EventDialFailed
	EventData
	EventClosed
	EventRetry
)

func (k EventKind) String() string {
	switch k {
	case EventDialed:
		return "dialed"
	case EventDialFailed:
		return "dial_failed"
	case EventData:
		return "data"
	case EventClosed:
		return "closed"
	case EventRetry:
		return "retry"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is posted into the owner's loop and fed back through Handle.
type Event struct {
	Gen  uint64
	Kind EventKind
	Data []byte
	Err  error
	conn net.Conn
}

// Outcome is the result of a Connect request.
type Outcome struct {
	State types.ConnState
	Err   error
}

// Dialer opens the TCP socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Hooks are invoked synchronously on the owner's loop.
type Hooks struct {
	OnStatus       func(types.Status) // every state transition
	OnConnected    func()             // socket became Connected
	OnDisconnected func()             // Connected socket was lost or torn down
	OnData         func([]byte)       // bytes read from the current socket
}

// Config Manager 配置
type Config struct {
	FirstConnectTimeout time.Duration // 設定後第一次連線的逾時（較短）
	RetryConnectTimeout time.Duration // 重試連線的逾時（較長）
	RetryDelay          time.Duration // 失敗後到下一次重試的延遲
	WriteTimeout        time.Duration // 單次寫入的 deadline
	ReadBufferSize      int           // reader goroutine 的緩衝大小
	Dialer              Dialer
	Logger              *slog.Logger
}

// DefaultConfig returns the timeouts used when the configuration file is silent.
func DefaultConfig() Config {
	return Config{
		FirstConnectTimeout: 3 * time.Second,
		RetryConnectTimeout: 10 * time.Second,
		RetryDelay:          5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadBufferSize:      4096,
	}
}

// Manager owns the device socket.
type Manager struct {
	cfg    Config
	hooks  Hooks
	events chan<- Event
	done   <-chan struct{}
	log    *slog.Logger

	host       string
	port       int
	configured bool
	torn       bool

	state      types.ConnState
	gen        uint64
	attempts   int // attempts since the last Configure
	session    string
	conn       net.Conn
	cancelDial context.CancelFunc
	retry      *time.Timer
	waiters    []chan<- Outcome
	lastErr    error
}

// NewManager creates a Manager posting background events to events until done
// is closed.
func NewManager(cfg Config, hooks Hooks, events chan<- Event, done <-chan struct{}) *Manager {
	def := DefaultConfig()
	if cfg.FirstConnectTimeout <= 0 {
		cfg.FirstConnectTimeout = def.FirstConnectTimeout
	}
	if cfg.RetryConnectTimeout <= 0 {
		cfg.RetryConnectTimeout = def.RetryConnectTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		cfg:    cfg,
		hooks:  hooks,
		events: events,
		done:   done,
		log:    cfg.Logger,
		state:  types.StateDisconnected,
	}
}

// ============================================================================
// 公開方法（只能在 owner 的 event loop 上呼叫）
// ============================================================================

// Configure validates and applies the endpoint. A changed endpoint tears the
// current socket down; an unchanged one keeps it. An invalid endpoint also
// tears down and leaves the manager unconfigured.
func (m *Manager) Configure(host string, port int) error {
	if err := ValidateEndpoint(host, port); err != nil {
		m.Teardown()
		m.configured = false
		m.log.Warn("Invalid device endpoint", "error", err)
		return err
	}

	if m.configured && !m.torn && m.host == host && m.port == port {
		return nil
	}

	m.Teardown()
	m.host = host
	m.port = port
	m.configured = true
	m.torn = false
	m.attempts = 0
	m.lastErr = nil

	m.log.Info("Device endpoint configured", "addr", m.Addr())
	return nil
}

// Connect starts an attempt, or joins the one in flight. The outcome is sent
// on waiter (which must have buffer space; nil means no reply wanted).
func (m *Manager) Connect(waiter chan<- Outcome) {
	switch {
	case !m.configured:
		reply(waiter, Outcome{State: m.state, Err: ErrNotConfigured})
	case m.torn:
		reply(waiter, Outcome{State: m.state, Err: ErrTornDown})
	case m.state == types.StateConnected:
		reply(waiter, Outcome{State: types.StateConnected})
	case m.state == types.StateConnecting:
		if waiter != nil {
			m.waiters = append(m.waiters, waiter)
		}
	default:
		if waiter != nil {
			m.waiters = append(m.waiters, waiter)
		}
		m.startAttempt()
	}
}

// Send writes one encoded line. A write error fails the connection.
func (m *Manager) Send(line []byte) error {
	if m.state != types.StateConnected || m.conn == nil {
		return ErrNotConnected
	}

	if m.cfg.WriteTimeout > 0 {
		if err := m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
			cerr := &ConnectError{Addr: m.Addr(), Op: "write", Err: err}
			m.fail(cerr)
			return cerr
		}
	}

	if _, err := m.conn.Write(line); err != nil {
		cerr := &ConnectError{Addr: m.Addr(), Op: "write", Err: err}
		m.fail(cerr)
		return cerr
	}
	return nil
}

// Teardown stops everything. Idempotent and safe before any Connect.
func (m *Manager) Teardown() {
	m.torn = true
	m.gen++ // detach dial/reader goroutines and any pending retry event

	m.releaseDial()
	m.stopRetry()
	m.closeSocket()
	m.resolveWaiters(Outcome{State: types.StateDisconnected, Err: ErrTornDown})

	if m.state == types.StateDisconnected {
		return
	}
	was := m.state
	m.setState(types.StateDisconnected, "disconnected")
	if was == types.StateConnected && m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected()
	}
	m.log.Info("Connection torn down", "addr", m.Addr())
}

// Handle applies a background event. Events from superseded sockets are dropped.
func (m *Manager) Handle(ev Event) {
	if ev.Gen != m.gen {
		if ev.conn != nil {
			ev.conn.Close()
		}
		m.log.Debug("Discarding event from superseded socket",
			"event", ev.Kind.String(), "event_gen", ev.Gen, "current_gen", m.gen)
		return
	}

	switch ev.Kind {
	case EventDialed:
		if m.state != types.StateConnecting {
			ev.conn.Close()
			return
		}
		m.onDialed(ev.conn)

	case EventDialFailed:
		m.fail(ev.Err)

	case EventData:
		if m.state == types.StateConnected && m.hooks.OnData != nil {
			m.hooks.OnData(ev.Data)
		}

	case EventClosed:
		m.fail(ev.Err)

	case EventRetry:
		m.retry = nil
		if m.state == types.StateFailed && !m.torn && m.configured {
			m.log.Info("Retrying connection", "addr", m.Addr(), "attempt", m.attempts+1)
			m.startAttempt()
		}
	}
}

// State returns the current connection state.
func (m *Manager) State() types.ConnState { return m.state }

// Generation returns the current attempt generation.
func (m *Manager) Generation() uint64 { return m.gen }

// Attempts returns the number of attempts since the last Configure.
func (m *Manager) Attempts() int { return m.attempts }

// Session returns the uuid of the current or last attempt.
func (m *Manager) Session() string { return m.session }

// LastError returns the error of the last failure, if any.
func (m *Manager) LastError() error { return m.lastErr }

// Configured reports whether a valid endpoint is set.
func (m *Manager) Configured() bool { return m.configured }

// Addr returns host:port.
func (m *Manager) Addr() string {
	if !m.configured {
		return ""
	}
	return JoinAddr(m.host, m.port)
}

// RetryPending reports whether an automatic retry is scheduled.
func (m *Manager) RetryPending() bool { return m.retry != nil }

// ============================================================================
// 內部狀態轉換
// ============================================================================

func (m *Manager) startAttempt() {
	m.stopRetry()
	m.gen++
	m.attempts++

	timeout := m.cfg.RetryConnectTimeout
	if m.attempts == 1 {
		timeout = m.cfg.FirstConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	m.cancelDial = cancel
	m.session = uuid.NewString()

	addr := m.Addr()
	m.log.Info("Connecting to device",
		"addr", addr, "attempt", m.attempts, "timeout", timeout, "session", m.session)
	m.setState(types.StateConnecting, "connecting to "+addr)

	go m.dial(ctx, m.gen, addr)
}

func (m *Manager) onDialed(conn net.Conn) {
	m.releaseDial()
	m.stopRetry()
	m.conn = conn
	m.lastErr = nil

	addr := m.Addr()
	m.log.Info("Connected to device", "addr", addr, "session", m.session)
	m.setState(types.StateConnected, "connected to "+addr)
	m.resolveWaiters(Outcome{State: types.StateConnected})

	go m.readLoop(m.gen, conn, addr)

	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected()
	}
}

// fail moves Connecting/Connected to Failed and schedules the single retry.
func (m *Manager) fail(err error) {
	if m.state != types.StateConnecting && m.state != types.StateConnected {
		return
	}
	if err == nil {
		err = &ConnectError{Addr: m.Addr(), Op: "read", Err: ErrClosedByPeer}
	}
	wasConnected := m.state == types.StateConnected

	m.gen++ // anything still in flight for the dead socket is stale now
	m.releaseDial()
	m.closeSocket()
	m.lastErr = err

	m.log.Error("Connection failed", "addr", m.Addr(), "error", err, "session", m.session)
	m.setState(types.StateFailed, err.Error())
	m.resolveWaiters(Outcome{State: types.StateFailed, Err: err})

	if wasConnected && m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected()
	}
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	if m.torn {
		return
	}
	m.stopRetry()

	gen := m.gen
	m.retry = time.AfterFunc(m.cfg.RetryDelay, func() {
		m.post(Event{Gen: gen, Kind: EventRetry})
	})
	m.log.Debug("Retry scheduled", "delay", m.cfg.RetryDelay)
}

func (m *Manager) setState(state types.ConnState, message string) {
	m.state = state
	if m.hooks.OnStatus != nil {
		m.hooks.OnStatus(types.Status{State: state, Message: message, Session: m.session})
	}
}

func (m *Manager) releaseDial() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) closeSocket() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) resolveWaiters(out Outcome) {
	for _, w := range m.waiters {
		reply(w, out)
	}
	m.waiters = nil
}

func reply(waiter chan<- Outcome, out Outcome) {
	if waiter == nil {
		return
	}
	select {
	case waiter <- out:
	default:
	}
}

// ============================================================================
// 背景 goroutine（只透過 post 與 loop 溝通）
// ============================================================================

func (m *Manager) dial(ctx context.Context, gen uint64, addr string) {
	conn, err := m.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.post(Event{Gen: gen, Kind: EventDialFailed, Err: &ConnectError{Addr: addr, Op: "dial", Err: err}})
		return
	}
	if !m.post(Event{Gen: gen, Kind: EventDialed, conn: conn}) {
		conn.Close()
	}
}

func (m *Manager) readLoop(gen uint64, conn net.Conn, addr string) {
	buf := make([]byte, m.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !m.post(Event{Gen: gen, Kind: EventData, Data: data}) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosedByPeer
			}
			m.post(Event{Gen: gen, Kind: EventClosed, Err: &ConnectError{Addr: addr, Op: "read", Err: err}})
			return
		}
	}
}

// post delivers ev unless the owner has shut down. A false result means the
// owner may never see ev, so the caller keeps ownership of anything it carries.
func (m *Manager) post(ev Event) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
	case <-m.done:
		return false
	}
	// events 有緩衝：done 關閉後 select 仍可能選中送出
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}
