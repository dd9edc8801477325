// ============================================================================
// mtcbridge 控制器 - 連線引擎核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 擁有所有引擎組件，串接 socket、分行、請求對應、目錄快取與輪詢
//
// 架構設計:
//   Controller 負責協調以下組件：
//   - connection.Manager: 唯一的 TCP socket、狀態機、逾時與自動重試
//   - framer.Framer: 將位元組串流切成行
//   - correlator.Correlator: 查詢 id 分配與回應對應
//   - catalog.Cache: players / tracks / sections 快取（變更抑制）
//   - poller.Scheduler: 已連線時定期輪詢
//
// 核心循環 (單一 event loop goroutine):
//   所有組件只在 eventLoop 中被讀寫，因此組件本身不需要鎖。
//   eventLoop 從三個來源取工作：
//   1. events - dial / reader goroutine 與重試計時器送來的 connection.Event
//   2. calls  - 公開方法包裝成 closure 送進來，執行後回覆呼叫者
//   3. pollCh - poller 的觸發訊號（容量 1，多次觸發合併為一次）
//
// 通知:
//   StatusChanged / CatalogChanged 依事件順序交給 notifier goroutine 呼叫
//   Listener，Listener 可以回呼 Controller 而不會卡住 eventLoop。
//   Status() 與 Snapshot() 讀取最近一次發佈的複本，不經過 eventLoop。
//
// 關閉:
//   Stop() 是終止性的：close(stopCh) → 等待 eventLoop 退出 → teardown
//   連線、停止 poller、丟棄等待中的請求 → 停止 notifier。
//   之後所有公開方法回傳 ErrStopped。
//
// ============================================================================

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/mtcbridge/internal/catalog"
	"github.com/ChuLiYu/mtcbridge/internal/connection"
	"github.com/ChuLiYu/mtcbridge/internal/correlator"
	"github.com/ChuLiYu/mtcbridge/internal/framer"
	"github.com/ChuLiYu/mtcbridge/internal/metrics"
	"github.com/ChuLiYu/mtcbridge/internal/poller"
	"github.com/ChuLiYu/mtcbridge/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	RequestTimeout time.Duration     // 等待回應的上限，超過由下一次輪詢清除
	MaxLineLength  int               // 單行上限，0 使用 framer 預設值
	EventBuffer    int               // events channel 緩衝大小
	Connection     connection.Config // 連線逾時、重試延遲等
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		MaxLineLength:  framer.DefaultMaxLineLength,
		EventBuffer:    64,
		Connection:     connection.DefaultConfig(),
	}
}

// DeviceConfig 是外部提供的設備設定
type DeviceConfig struct {
	Host         string
	Port         int
	PollInterval time.Duration // <= 0 停用輪詢
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.log = logger }
}

// WithMetrics sets the Prometheus collector. nil disables metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithListener sets the receiver of status and catalog notifications.
func WithListener(l Listener) Option {
	return func(c *Controller) { c.listener = l }
}

// Controller 連線引擎
type Controller struct {
	config   Config
	log      *slog.Logger
	metrics  *metrics.Collector
	listener Listener

	// 只在 eventLoop 中存取
	conn          *connection.Manager
	framer        *framer.Framer
	corr          *correlator.Correlator
	cache         *catalog.Cache
	poller        *poller.Scheduler
	pollInterval  time.Duration
	sectionsStale bool          // 重新連線後第一次 trackList 回應要刷新所有 sections
	decodeLimit   *rate.Limiter // 限制解析錯誤日誌

	notifier *notifier

	events chan connection.Event
	calls  chan func()
	pollCh chan struct{}
	stopCh chan struct{}
	loopWg sync.WaitGroup

	mu        sync.Mutex // 保護以下欄位
	started   bool
	stopped   bool
	startTime time.Time
	status    types.Status
	snapshot  types.CatalogSnapshot
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置（零值欄位使用預設值）
//   - opts: Logger、Metrics、Listener
//
// 返回值：
//   - *Controller: Controller 實例
func NewController(config Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.MaxLineLength <= 0 {
		config.MaxLineLength = def.MaxLineLength
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = def.EventBuffer
	}

	c := &Controller{
		config: config,
		log:    slog.Default(),
		events: make(chan connection.Event, config.EventBuffer),
		calls:  make(chan func()),
		pollCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		cache:  catalog.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	connCfg := config.Connection
	connCfg.Logger = c.log
	c.conn = connection.NewManager(connCfg, connection.Hooks{
		OnStatus:       c.onStatus,
		OnConnected:    c.onConnected,
		OnDisconnected: c.onDisconnected,
		OnData:         c.onData,
	}, c.events, c.stopCh)

	c.framer = framer.New(config.MaxLineLength)
	c.corr = correlator.New(c.log)
	c.poller = poller.New(c.requestPoll)
	c.decodeLimit = rate.NewLimiter(rate.Every(time.Second), 5)
	c.notifier = newNotifier(c.listener, c.log)

	c.status = types.Status{State: types.StateDisconnected}
	c.snapshot = c.cache.Snapshot()

	return c
}

// Start 啟動 eventLoop 與 notifier
//
// 返回值：
//   - error: 已啟動或已停止時的錯誤
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	c.notifier.Start()

	c.startTime = time.Now()
	c.started = true
	c.loopWg.Add(1)
	go c.eventLoop()

	c.log.Info("Controller started")
	return nil
}

// Stop 終止 Controller：teardown 連線、停止輪詢、丟棄等待中的請求
//
// 順序：
//  1. close(stopCh)   → eventLoop 退出，背景 goroutine 的 post 變成 no-op
//  2. loopWg.Wait()   → 之後只有 Stop 自己碰組件
//  3. conn.Teardown() → 關閉 socket、取消 dial 與重試計時器（觸發 onDisconnected）
//  4. 清空 events     → 關閉尚未處理的 dial 結果
//  5. notifier.Stop() → 送完已排隊的通知
//
// 不可在 Listener 回呼中呼叫（notifier 會等待自己）。
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Debug("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	close(c.stopCh)
	c.loopWg.Wait()

	c.conn.Teardown()
	c.poller.Stop()
	c.corr.Reset()
	c.drainEvents()

	c.notifier.Stop()

	c.log.Info("Controller stopped")
}

// eventLoop 單一擁有者循環
func (c *Controller) eventLoop() {
	defer c.loopWg.Done()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("Event loop stopped")
			return

		case ev := <-c.events:
			c.conn.Handle(ev)

		case fn := <-c.calls:
			fn()

		case <-c.pollCh:
			if err := c.poll(); err != nil {
				c.log.Debug("Poll skipped", "error", err)
			}
		}
	}
}

// drainEvents 關閉 Stop 之後才送達的 socket
func (c *Controller) drainEvents() {
	for {
		select {
		case ev := <-c.events:
			c.conn.Handle(ev)
		default:
			return
		}
	}
}

// do 在 eventLoop 上執行 fn 並等待完成
func (c *Controller) do(ctx context.Context, fn func()) error {
	c.mu.Lock()
	started, stopped := c.started, c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}

	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn()
	}

	select {
	case c.calls <- call:
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// eventLoop 收到 call 後一定同步執行完才會再檢查 stopCh
	<-done
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Configure 套用設備設定。endpoint 改變時關閉舊 socket 並立即連線新的；
// endpoint 不變時保留連線，只更新輪詢間隔。
//
// 返回值：
//   - error: *connection.ConfigError（不開 socket、不排重試）
func (c *Controller) Configure(cfg DeviceConfig) error {
	var cfgErr error
	err := c.do(context.Background(), func() {
		cfgErr = c.applyConfig(cfg)
	})
	if err != nil {
		return err
	}
	return cfgErr
}

func (c *Controller) applyConfig(cfg DeviceConfig) error {
	c.pollInterval = cfg.PollInterval

	if err := c.conn.Configure(cfg.Host, cfg.Port); err != nil {
		c.publishStatus(types.Status{State: types.StateDisconnected, Message: err.Error()})
		return err
	}

	switch c.conn.State() {
	case types.StateConnected:
		if c.poller.Interval() != c.pollInterval {
			c.log.Info("Poll interval changed", "interval", c.pollInterval)
			c.restartPoller()
		}
	case types.StateConnecting:
	default:
		c.conn.Connect(nil)
	}
	return nil
}

// Connect 連線（或加入進行中的連線）並等待結果
//
// 返回值：
//   - types.ConnState: Connected 或 Failed
//   - error: 失敗原因（*connection.ConnectError、ErrNotConfigured ...）
func (c *Controller) Connect(ctx context.Context) (types.ConnState, error) {
	waiter := make(chan connection.Outcome, 1)
	if err := c.do(ctx, func() { c.conn.Connect(waiter) }); err != nil {
		return c.Status().State, err
	}

	select {
	case out := <-waiter:
		return out.State, out.Err
	case <-ctx.Done():
		return c.Status().State, ctx.Err()
	case <-c.stopCh:
		return types.StateDisconnected, ErrStopped
	}
}

// Refresh 立即輪詢一次（不影響排程）
func (c *Controller) Refresh(ctx context.Context) error {
	var pollErr error
	if err := c.do(ctx, func() { pollErr = c.poll() }); err != nil {
		return err
	}
	return pollErr
}

// Status 最近一次的連線狀態
func (c *Controller) Status() types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Snapshot 最近一次的目錄快照（深拷貝）
func (c *Controller) Snapshot() types.CatalogSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneSnapshot(c.snapshot)
}

// Players 目前的 player 名稱
func (c *Controller) Players() []string {
	return c.Snapshot().Players
}

// Tracks 目前的 track 名稱
func (c *Controller) Tracks() []string {
	return c.Snapshot().Tracks
}

// Sections 指定 track 的 section 名稱（未知時為空）
func (c *Controller) Sections(track string) []string {
	sections := c.Snapshot().Sections[track]
	if sections == nil {
		return []string{}
	}
	return sections
}

// GetStatus 取得引擎狀態
//
// 返回值：
//   - map[string]interface{}: 連線、請求與目錄統計
func (c *Controller) GetStatus(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	err := c.do(ctx, func() {
		players, tracks, sections := c.cache.Counts()
		stats = map[string]interface{}{
			"uptime":        time.Since(c.startTime).Round(time.Millisecond).String(),
			"addr":          c.conn.Addr(),
			"state":         c.conn.State().String(),
			"session":       c.conn.Session(),
			"attempts":      c.conn.Attempts(),
			"retry_pending": c.conn.RetryPending(),
			"polling":       c.poller.Running(),
			"poll_interval": c.pollInterval.String(),
			"pending":       c.corr.Pending(),
			"players":       players,
			"tracks":        tracks,
			"sections":      sections,
			"fresh":         c.cache.Fresh(),
		}
		if err := c.conn.LastError(); err != nil {
			stats["last_error"] = err.Error()
		}
	})
	return stats, err
}

// ============================================================================
// 發佈（供 Status / Snapshot 讀取，並交給 notifier）
// ============================================================================

func (c *Controller) publishStatus(s types.Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()

	c.notifier.Submit(notification{status: &s})
}

// publishCatalog 更新快照；changed 時送出一次 CatalogChanged
func (c *Controller) publishCatalog(changed bool) {
	snap := c.cache.Snapshot()
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	c.metrics.UpdateCatalogStats(c.cache.Counts())

	if changed {
		c.log.Info("Catalog changed", "catalog", snap.String())
		dup := cloneSnapshot(snap)
		c.notifier.Submit(notification{catalog: &dup})
	}
}

func cloneSnapshot(s types.CatalogSnapshot) types.CatalogSnapshot {
	out := types.CatalogSnapshot{
		Players:  append([]string{}, s.Players...),
		Tracks:   append([]string{}, s.Tracks...),
		Sections: make(map[string][]string, len(s.Sections)),
		Fresh:    s.Fresh,
	}
	for track, list := range s.Sections {
		out.Sections[track] = append([]string{}, list...)
	}
	return out
}

// String implements fmt.Stringer for logs.
func (c DeviceConfig) String() string {
	return fmt.Sprintf("%s:%d poll=%s", c.Host, c.Port, c.PollInterval)
}
