// ============================================================================
// mtcbridge Notifier - 通知派送
// ============================================================================
//
// Package: internal/controller
// 文件: notifier.go
// 功能: 在獨立 goroutine 上依序呼叫 Listener
//
// 設計:
//   ┌─────────────┐
//   │  eventLoop  │ --Submit()--> queue (無上限，永不阻塞)
//   └─────────────┘                 │
//                                   ▼  wake
//                          ┌─────────────────┐
//                          │ notifier.run()  │ --> Listener.StatusChanged
//                          │                 │ --> Listener.CatalogChanged
//                          └─────────────────┘
//
//   eventLoop 絕不等待 Listener，因此 Listener 可以回呼 Controller。
//   通知順序與 Submit 順序一致。
//
// 生命週期:
//   1. newNotifier() - 建立
//   2. Start()       - 啟動派送 goroutine
//   3. Submit(n)     - 排入通知
//   4. Stop()        - 送完已排隊的通知後退出並等待
//
// ============================================================================

package controller

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/mtcbridge/pkg/types"
)

// errNotifierClosed 表示 notifier 已關閉
var errNotifierClosed = errors.New("notifier is closed")

// Listener receives engine notifications. Calls happen on one goroutine, in
// event order.
type Listener interface {
	StatusChanged(status types.Status)
	CatalogChanged(snapshot types.CatalogSnapshot)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnStatus  func(types.Status)
	OnCatalog func(types.CatalogSnapshot)
}

// StatusChanged implements Listener.
func (f ListenerFuncs) StatusChanged(status types.Status) {
	if f.OnStatus != nil {
		f.OnStatus(status)
	}
}

// CatalogChanged implements Listener.
func (f ListenerFuncs) CatalogChanged(snapshot types.CatalogSnapshot) {
	if f.OnCatalog != nil {
		f.OnCatalog(snapshot)
	}
}

// notification 只設定其中一個欄位
type notification struct {
	status  *types.Status
	catalog *types.CatalogSnapshot
}

type notifier struct {
	listener Listener
	log      *slog.Logger

	mu      sync.Mutex // 保護 queue / started / stopped
	queue   []notification
	started bool
	stopped bool

	wake   chan struct{} // 容量 1
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newNotifier(listener Listener, logger *slog.Logger) *notifier {
	return &notifier{
		listener: listener,
		log:      logger,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動派送 goroutine；沒有 Listener 時不啟動
func (n *notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started || n.stopped || n.listener == nil {
		return
	}
	n.started = true

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.run()
	}()
}

// Submit 排入一則通知，不會阻塞
func (n *notifier) Submit(note notification) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return errNotifierClosed
	}
	if n.listener == nil {
		n.mu.Unlock()
		return nil
	}
	n.queue = append(n.queue, note)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop 送完已排隊的通知後停止
func (n *notifier) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	close(n.stopCh)
	n.wg.Wait()
}

func (n *notifier) run() {
	for {
		select {
		case <-n.wake:
			n.deliverAll()
		case <-n.stopCh:
			n.deliverAll()
			return
		}
	}
}

func (n *notifier) deliverAll() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()

		for _, note := range batch {
			n.deliver(note)
		}
	}
}

func (n *notifier) deliver(note notification) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("Listener panic", "panic", r)
		}
	}()

	switch {
	case note.status != nil:
		n.listener.StatusChanged(*note.status)
	case note.catalog != nil:
		n.listener.CatalogChanged(*note.catalog)
	}
}
