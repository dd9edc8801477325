// ============================================================================
// mtcbridge Device Simulator - 模擬 MultiTransport 設備
// ============================================================================
//
// Package: internal/devicesim
// 文件: server.go
// 功能: 在本機 TCP 上說同一套行分隔 JSON 協議，供端到端測試與示範使用
//
// 行為:
//   - {"request":N,"query":{"q":"playerList"}}  → players
//   - {"request":N,"query":{"q":"trackList"}}   → tracks
//   - {"request":N,"query":{"q":"cueList T"}}   → T 的 sections（放在 location）
//   - 未知查詢                                  → {"request":N,"status":"unknown query ..."}
//   - 無法解析的行                              → {"request":-1,"status":"..."}
//   - {"track_command":{...}}                  → 記錄，不回覆
//
// 測試輔助:
//   SetPlayers / SetTracks / SetSections 改變目錄，DropConnections 模擬斷線，
//   SetSilent 讓查詢不被回覆，Broadcast 推送任意一行。
//
// 生命週期:
//   Start(ctx) 監聽並在 errgroup 中跑 accept 與每條連線；Close() 取消並等待。
//
// ============================================================================

package devicesim

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/mtcbridge/internal/protocol"
)

// Config 模擬器配置
type Config struct {
	Addr     string // 監聽位址，預設 127.0.0.1:0
	Players  []string
	Tracks   []string
	Sections map[string][]string
	Logger   *slog.Logger
}

// Server 模擬設備
type Server struct {
	log *slog.Logger

	mu       sync.Mutex
	players  []string
	tracks   []string
	sections map[string][]string
	commands []protocol.TrackCommand
	queries  []string
	conns    map[*clientConn]struct{}
	accepted int
	silent   bool

	addr   string
	ln     net.Listener
	cancel context.CancelFunc
	group  *errgroup.Group
}

type clientConn struct {
	net.Conn
	writeMu sync.Mutex
}

func (c *clientConn) writeLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.Write(append(data, '\n'))
	return err
}

// request 是設備收到的任一行
type request struct {
	Request      *int64                 `json:"request"`
	Query        *protocol.QueryBody    `json:"query"`
	TrackCommand *protocol.TrackCommand `json:"track_command"`
}

// response 與 protocol.InboundMessage 形狀相同；Results 用指標，空列表仍序列化為 []
type response struct {
	Request int64              `json:"request"`
	Status  string             `json:"status"`
	Results *[]protocol.Result `json:"results,omitempty"`
}

// New 建立模擬器
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	sections := make(map[string][]string, len(cfg.Sections))
	for track, list := range cfg.Sections {
		sections[track] = slices.Clone(list)
	}

	return &Server{
		log:      cfg.Logger.With("component", "devicesim"),
		players:  slices.Clone(cfg.Players),
		tracks:   slices.Clone(cfg.Tracks),
		sections: sections,
		conns:    make(map[*clientConn]struct{}),
		addr:     cfg.Addr,
	}
}

// Start 開始監聽，accept 與連線處理在背景執行
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("devicesim: listen %s: %w", s.addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.group = g
	s.mu.Unlock()

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		s.DropConnections()
		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, g, ln)
	})

	s.log.Info("Device simulator listening", "addr", ln.Addr().String())
	return nil
}

// Serve 啟動並阻塞直到 ctx 結束
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

// Wait 等待所有 goroutine 結束
func (s *Server) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Close 停止監聽並關閉所有連線
func (s *Server) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return s.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, g *errgroup.Group, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("devicesim: accept: %w", err)
		}

		client := &clientConn{Conn: conn}
		s.mu.Lock()
		s.conns[client] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.log.Debug("Client connected", "remote", conn.RemoteAddr().String())
		g.Go(func() error {
			s.serveConn(client)
			return nil
		})
	}
}

func (s *Server) serveConn(client *clientConn) {
	defer func() {
		client.Close()
		s.mu.Lock()
		delete(s.conns, client)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(client)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if reply, ok := s.handleLine(line); ok {
			data, err := json.Marshal(reply)
			if err != nil {
				s.log.Error("Encode reply failed", "error", err)
				continue
			}
			if err := client.writeLine(data); err != nil {
				return
			}
		}
	}
}

// handleLine 回傳要送出的回覆；ok=false 表示不回覆
func (s *Server) handleLine(line string) (response, bool) {
	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return response{Request: protocol.ErrorRequestID, Status: "invalid json: " + err.Error()}, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.TrackCommand != nil {
		s.commands = append(s.commands, *req.TrackCommand)
		return response{}, false
	}
	if req.Query == nil || req.Request == nil {
		return response{Request: protocol.ErrorRequestID, Status: "missing request or query"}, true
	}

	s.queries = append(s.queries, req.Query.Q)
	if s.silent {
		return response{}, false
	}

	id := *req.Request
	q := req.Query.Q
	switch {
	case q == "playerList":
		results := make([]protocol.Result, 0, len(s.players))
		for _, p := range s.players {
			results = append(results, protocol.Result{Player: p})
		}
		return response{Request: id, Status: protocol.StatusOK, Results: &results}, true

	case q == "trackList":
		results := make([]protocol.Result, 0, len(s.tracks))
		for _, t := range s.tracks {
			results = append(results, protocol.Result{Track: t})
		}
		return response{Request: id, Status: protocol.StatusOK, Results: &results}, true

	case strings.HasPrefix(q, "cueList "):
		track := strings.TrimPrefix(q, "cueList ")
		if !slices.Contains(s.tracks, track) {
			return response{Request: id, Status: "unknown track " + track}, true
		}
		results := make([]protocol.Result, 0, len(s.sections[track]))
		for _, section := range s.sections[track] {
			results = append(results, protocol.Result{Track: track, Location: section})
		}
		return response{Request: id, Status: protocol.StatusOK, Results: &results}, true

	default:
		return response{Request: id, Status: "unknown query " + q}, true
	}
}

// ============================================================================
// 測試輔助
// ============================================================================

// Addr 實際監聽位址（Start 之後）
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Port 實際監聽端口（Start 之後）
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// SetPlayers 替換 player 列表
func (s *Server) SetPlayers(players ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players = slices.Clone(players)
}

// SetTracks 替換 track 列表
func (s *Server) SetTracks(tracks ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = slices.Clone(tracks)
}

// SetSections 替換某個 track 的 sections
func (s *Server) SetSections(track string, sections ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[track] = slices.Clone(sections)
}

// SetSilent 為 true 時查詢只記錄不回覆
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// DropConnections 關閉所有目前的客戶端連線（listener 保持開啟）
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Broadcast 送一行原始資料給所有客戶端（不附加檢查）
func (s *Server) Broadcast(line string) {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.writeLine([]byte(line)); err != nil {
			s.log.Debug("Broadcast failed", "remote", c.RemoteAddr().String(), "error", err)
		}
	}
}

// Commands 已收到的 track_command
func (s *Server) Commands() []protocol.TrackCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// Queries 已收到的查詢字串（依順序）
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queries)
}

// Accepted 累計接受的連線數
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Clients 目前開啟中的連線數
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
