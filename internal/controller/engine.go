package controller

import (
	"context"
	"strings"
	"time"

	"github.com/ChuLiYu/mtcbridge/internal/connection"
	"github.com/ChuLiYu/mtcbridge/internal/correlator"
	"github.com/ChuLiYu/mtcbridge/internal/protocol"
	"github.com/ChuLiYu/mtcbridge/pkg/types"
)

// ============================================================================
// 命令（由呼叫者觸發）
// ============================================================================

const (
	commandKindGoTo      = "goto"
	commandKindTransport = "transport"
)

// SendGoToCue 驗證並送出 go-to-cue 命令
//
// 返回值：
//   - error: *protocol.ValidationError、connection.ErrNotConnected 或寫入錯誤
func (c *Controller) SendGoToCue(ctx context.Context, fields protocol.GoToCueFields) error {
	msg, err := protocol.EncodeGoToCue(fields)
	if err != nil {
		c.metrics.RecordRejected(commandKindGoTo)
		return err
	}
	return c.sendCommand(ctx, commandKindGoTo, msg)
}

// SendTransportCommand 驗證並送出 transport 命令（play / stop ...）
func (c *Controller) SendTransportCommand(ctx context.Context, fields protocol.TransportFields) error {
	msg, err := protocol.EncodeTransportCommand(fields)
	if err != nil {
		c.metrics.RecordRejected(commandKindTransport)
		return err
	}
	return c.sendCommand(ctx, commandKindTransport, msg)
}

func (c *Controller) sendCommand(ctx context.Context, kind string, msg protocol.CommandMessage) error {
	line, err := protocol.EncodeLine(msg)
	if err != nil {
		c.metrics.RecordRejected(kind)
		return err
	}

	var sendErr error
	if err := c.do(ctx, func() { sendErr = c.conn.Send(line) }); err != nil {
		return err
	}
	if sendErr != nil {
		c.metrics.RecordRejected(kind)
		c.log.Warn("Command not sent", "kind", kind, "player", msg.TrackCommand.Player, "error", sendErr)
		return sendErr
	}

	c.metrics.RecordCommand(kind)
	c.log.Debug("Command sent", "kind", kind, "command", strings.TrimSpace(string(line)))
	return nil
}

// ============================================================================
// 連線 hooks（在 eventLoop 上被 connection.Manager 呼叫）
// ============================================================================

func (c *Controller) onStatus(s types.Status) {
	c.metrics.ObserveState(s.State)
	c.publishStatus(s)
}

// onConnected 清空接收緩衝並開始輪詢
func (c *Controller) onConnected() {
	c.framer.Reset()
	c.sectionsStale = true
	c.restartPoller()
}

// onDisconnected 停止輪詢、丟棄等待中的請求，目錄保留但標記為過期
func (c *Controller) onDisconnected() {
	c.poller.Stop()
	select {
	case <-c.pollCh:
	default:
	}

	c.corr.Reset()
	c.metrics.SetPending(0)
	c.framer.Reset()

	c.cache.MarkStale()
	c.publishCatalog(false)
}

func (c *Controller) onData(data []byte) {
	dropped := c.framer.Dropped()
	lines := c.framer.Feed(data)
	c.metrics.RecordDroppedLines(c.framer.Dropped() - dropped)

	for _, line := range lines {
		// 處理某一行時可能因寫入失敗而斷線，剩下的行屬於舊 socket
		if c.conn.State() != types.StateConnected {
			return
		}
		c.handleLine(line)
	}
}

// ============================================================================
// 輪詢
// ============================================================================

// requestPoll 由 poller 呼叫（可能在 poller 的 goroutine 上），不可阻塞
func (c *Controller) requestPoll() {
	select {
	case c.pollCh <- struct{}{}:
	default:
	}
}

func (c *Controller) restartPoller() {
	if c.pollInterval <= 0 {
		c.poller.Stop()
		c.log.Debug("Polling disabled")
		return
	}
	c.poller.Start(c.pollInterval)
}

// poll 清除逾時請求並查詢 players 與 tracks
func (c *Controller) poll() error {
	if c.conn.State() != types.StateConnected {
		return connection.ErrNotConnected
	}

	for _, req := range c.corr.Expire(time.Now(), c.config.RequestTimeout) {
		c.log.Warn("Request timed out", "request", req.ID, "query", req.Kind.String(),
			"age", time.Since(req.IssuedAt).Round(time.Millisecond))
	}

	if err := c.issue(types.PlayerList()); err != nil {
		return err
	}
	return c.issue(types.TrackList())
}

// issue 發出一個查詢；寫入失敗時取消對應的 pending 項目
func (c *Controller) issue(kind types.QueryKind) error {
	msg := c.corr.Issue(kind)

	line, err := protocol.EncodeLine(msg)
	if err == nil {
		err = c.conn.Send(line)
	}
	if err != nil {
		c.corr.Cancel(msg.Request)
		c.metrics.SetPending(c.corr.Pending())
		c.log.Warn("Query not sent", "query", kind.String(), "error", err)
		return err
	}

	c.metrics.RecordQuery(kind)
	c.metrics.SetPending(c.corr.Pending())
	return nil
}

// ============================================================================
// 接收
// ============================================================================

func (c *Controller) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	c.metrics.RecordLine()

	msg, err := protocol.DecodeInbound(line)
	if err != nil {
		c.metrics.RecordDecodeError()
		if c.decodeLimit.Allow() {
			c.log.Warn("Dropping undecodable line", "error", err)
		}
		return
	}

	res, ok := c.corr.Resolve(msg)
	c.metrics.SetPending(c.corr.Pending())
	if !ok {
		c.metrics.RecordCorrelationMiss()
		if msg.IsError() {
			c.metrics.RecordDeviceError()
		}
		return
	}
	c.metrics.RecordResponse(res.Latency.Seconds())

	if !res.OK() {
		c.metrics.RecordDeviceError()
		c.log.Warn("Device reported error", "query", res.Kind.String(), "status", res.Status)
		return
	}
	if res.Results == nil {
		c.log.Debug("Response without results ignored", "query", res.Kind.String())
		return
	}

	c.apply(res)
}

// apply 把回應寫入目錄快取；任何清單改變時送出一次 CatalogChanged
func (c *Controller) apply(res correlator.Resolution) {
	wasFresh := c.cache.Fresh()
	changed := false

	switch res.Kind.Type {
	case types.QueryPlayerList:
		if c.cache.ApplyPlayerList(protocol.PlayerNames(res.Results)) {
			changed = true
			c.metrics.RecordCatalogUpdate(res.Kind.ListName())
		}

	case types.QueryTrackList:
		tracksChanged, refresh := c.cache.ApplyTrackList(protocol.TrackNames(res.Results))
		if tracksChanged {
			changed = true
			c.metrics.RecordCatalogUpdate(res.Kind.ListName())
		}
		if c.sectionsStale {
			refresh = c.cache.Tracks()
			c.sectionsStale = false
		}
		for _, track := range refresh {
			if err := c.issue(types.CueList(track)); err != nil {
				break
			}
		}

	case types.QueryCueList:
		if c.cache.ApplySectionList(res.Kind.Track, protocol.SectionNames(res.Results)) {
			changed = true
			c.metrics.RecordCatalogUpdate(res.Kind.ListName())
		}
	}

	if changed || wasFresh != c.cache.Fresh() {
		c.publishCatalog(changed)
	}
}
