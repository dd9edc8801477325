// ============================================================================
// mtcbridge Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露連線引擎的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 連線 (Counter / Gauge)：
//      - mtc_connect_attempts_total: 連線嘗試次數
//      - mtc_connection_failures_total: 連線失敗次數（逾時、拒絕、斷線）
//      - mtc_connection_state: 當前狀態 (0=Disconnected 1=Connecting 2=Connected 3=Failed)
//
//   2. 協議 (Counter)：
//      - mtc_lines_received_total: 收到的完整行數
//      - mtc_lines_dropped_total: 超過長度上限而丟棄的行
//      - mtc_decode_errors_total: 無法解析的行
//      - mtc_correlation_misses_total: 找不到對應請求的回應
//      - mtc_device_errors_total: 設備回報的錯誤
//      - mtc_queries_issued_total{query}: 發出的查詢
//      - mtc_commands_sent_total{kind} / mtc_commands_rejected_total{kind}
//
//   3. 請求 (Gauge / Histogram)：
//      - mtc_pending_requests: 等待回應的請求數
//      - mtc_response_latency_seconds: 查詢到回應的延遲
//
//   4. 目錄 (Counter / Gauge)：
//      - mtc_catalog_updates_total{list}: 內容真正改變的次數
//      - mtc_catalog_entries{list}: 當前項目數
//
// Prometheus 查詢示例:
//
//   # 斷線頻率
//   rate(mtc_connection_failures_total[5m])
//
//   # 95 分位回應延遲
//   histogram_quantile(0.95, mtc_response_latency_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口: 9090
//
// 所有方法對 nil *Collector 安全，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/mtcbridge/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 連線
	connectAttempts prometheus.Counter
	connectFailures prometheus.Counter
	connectionState prometheus.Gauge

	// 協議
	linesReceived     prometheus.Counter
	linesDropped      prometheus.Counter
	decodeErrors      prometheus.Counter
	correlationMisses prometheus.Counter
	deviceErrors      prometheus.Counter
	queriesIssued     *prometheus.CounterVec
	commandsSent      *prometheus.CounterVec
	commandsRejected  *prometheus.CounterVec

	// 請求
	pendingRequests prometheus.Gauge
	responseLatency prometheus.Histogram

	// 目錄
	catalogUpdates *prometheus.CounterVec
	catalogEntries *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用 DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtc_connect_attempts_total",
			Help: "Total number of TCP connect attempts",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtc_connection_failures_total",
			Help: "Total number of failed attempts and dropped connections",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtc_connection_state",
			Help: "Current connection state (0=disconnected 1=connecting 2=connected 3=failed)",
		}),
		linesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtc_lines_received_total",
			Help: "Total number of complete lines received from the device",
		}),
		linesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtc_lines_dropped_total",
			Help: "Total number of over-long lines discarded by the framer",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtc_decode_errors_total",
			Help: "Total number of lines that could not be decoded",
		}),
		correlationMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtc_correlation_misses_total",
			Help: "Total number of responses that matched no pending request",
		}),
		deviceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtc_device_errors_total",
			Help: "Total number of error responses reported by the device",
		}),
		queriesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtc_queries_issued_total",
			Help: "Total number of catalog queries written to the device",
		}, []string{"query"}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtc_commands_sent_total",
			Help: "Total number of track commands written to the device",
		}, []string{"kind"}),
		commandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtc_commands_rejected_total",
			Help: "Total number of track commands rejected before sending",
		}, []string{"kind"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtc_pending_requests",
			Help: "Current number of queries awaiting a response",
		}),
		responseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtc_response_latency_seconds",
			Help:    "Latency between a query and its response in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		catalogUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtc_catalog_updates_total",
			Help: "Total number of catalog list changes",
		}, []string{"list"}),
		catalogEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtc_catalog_entries",
			Help: "Current number of entries per catalog list",
		}, []string{"list"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.connectAttempts,
		c.connectFailures,
		c.connectionState,
		c.linesReceived,
		c.linesDropped,
		c.decodeErrors,
		c.correlationMisses,
		c.deviceErrors,
		c.queriesIssued,
		c.commandsSent,
		c.commandsRejected,
		c.pendingRequests,
		c.responseLatency,
		c.catalogUpdates,
		c.catalogEntries,
	)

	return c
}

// ObserveState 記錄狀態轉換；進入 Connecting 計為一次嘗試，進入 Failed 計為一次失敗
func (c *Collector) ObserveState(state types.ConnState) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(state))
	switch state {
	case types.StateConnecting:
		c.connectAttempts.Inc()
	case types.StateFailed:
		c.connectFailures.Inc()
	}
}

// RecordLine 記錄收到一行
func (c *Collector) RecordLine() {
	if c == nil {
		return
	}
	c.linesReceived.Inc()
}

// RecordDroppedLines 記錄 framer 丟棄的超長行
func (c *Collector) RecordDroppedLines(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.linesDropped.Add(float64(n))
}

// RecordDecodeError 記錄解析失敗
func (c *Collector) RecordDecodeError() {
	if c == nil {
		return
	}
	c.decodeErrors.Inc()
}

// RecordCorrelationMiss 記錄無法對應的回應
func (c *Collector) RecordCorrelationMiss() {
	if c == nil {
		return
	}
	c.correlationMisses.Inc()
}

// RecordDeviceError 記錄設備錯誤回應
func (c *Collector) RecordDeviceError() {
	if c == nil {
		return
	}
	c.deviceErrors.Inc()
}

// RecordQuery 記錄發出的查詢
func (c *Collector) RecordQuery(kind types.QueryKind) {
	if c == nil {
		return
	}
	c.queriesIssued.WithLabelValues(kind.ListName()).Inc()
}

// RecordResponse 記錄一次成功對應的回應延遲
func (c *Collector) RecordResponse(latencySeconds float64) {
	if c == nil {
		return
	}
	c.responseLatency.Observe(latencySeconds)
}

// SetPending 更新等待中的請求數
func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pendingRequests.Set(float64(n))
}

// RecordCommand 記錄已送出的命令（goto / transport）
func (c *Collector) RecordCommand(kind string) {
	if c == nil {
		return
	}
	c.commandsSent.WithLabelValues(kind).Inc()
}

// RecordRejected 記錄被拒絕的命令（驗證失敗或未連線）
func (c *Collector) RecordRejected(kind string) {
	if c == nil {
		return
	}
	c.commandsRejected.WithLabelValues(kind).Inc()
}

// RecordCatalogUpdate 記錄目錄某一清單的變更
func (c *Collector) RecordCatalogUpdate(list string) {
	if c == nil {
		return
	}
	c.catalogUpdates.WithLabelValues(list).Inc()
}

// UpdateCatalogStats 更新目錄項目數
func (c *Collector) UpdateCatalogStats(players, tracks, sections int) {
	if c == nil {
		return
	}
	c.catalogEntries.WithLabelValues("players").Set(float64(players))
	c.catalogEntries.WithLabelValues("tracks").Set(float64(tracks))
	c.catalogEntries.WithLabelValues("sections").Set(float64(sections))
}

// Handler returns the HTTP handler serving the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer 建立 Prometheus metrics HTTP 伺服器（呼叫端負責 ListenAndServe / Shutdown）
//
// 參數：
//   - port: HTTP 伺服器端口
func NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
