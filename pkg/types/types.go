// Package types 定義了 mtcbridge 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
)

// ConnState 連線狀態
type ConnState int

// 定義連線狀態常數
const (
	StateDisconnected ConnState = iota // 未連線：尚未連線或已 teardown
	StateConnecting                    // 連線中：dial 進行中
	StateConnected                     // 已連線：socket 可寫入
	StateFailed                        // 失敗：等待自動重試
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Status 連線狀態通知，傳給外部呼叫者
type Status struct {
	State   ConnState `json:"state"`
	Message string    `json:"message,omitempty"` // 人類可讀的原因（錯誤訊息、位址等）
	Session string    `json:"session,omitempty"` // 每次連線嘗試的 uuid
}

// QueryType 查詢種類
type QueryType int

const (
	QueryPlayerList QueryType = iota + 1
	QueryTrackList
	QueryCueList
)

// QueryKind 查詢的 tagged variant：PlayerList、TrackList 或 CueList(track)
// Track 只在 Type == QueryCueList 時有意義
type QueryKind struct {
	Type  QueryType
	Track string
}

// PlayerList 查詢 transport 列表
func PlayerList() QueryKind { return QueryKind{Type: QueryPlayerList} }

// TrackList 查詢 track 列表
func TrackList() QueryKind { return QueryKind{Type: QueryTrackList} }

// CueList 查詢指定 track 的 section 列表
func CueList(track string) QueryKind { return QueryKind{Type: QueryCueList, Track: track} }

// String returns the wire form used in the "q" field of a query.
func (k QueryKind) String() string {
	switch k.Type {
	case QueryPlayerList:
		return "playerList"
	case QueryTrackList:
		return "trackList"
	case QueryCueList:
		return "cueList " + k.Track
	default:
		return fmt.Sprintf("QueryKind(%d)", int(k.Type))
	}
}

// ListName 用於 metrics label 與日誌
func (k QueryKind) ListName() string {
	switch k.Type {
	case QueryPlayerList:
		return "players"
	case QueryTrackList:
		return "tracks"
	case QueryCueList:
		return "sections"
	default:
		return "unknown"
	}
}

// CatalogSnapshot 裝置目錄快照（players / tracks / sections）
// 所有 slice 與 map 都是複本，呼叫者可自由修改
type CatalogSnapshot struct {
	Players  []string            `json:"players"`
	Tracks   []string            `json:"tracks"`
	Sections map[string][]string `json:"sections"`
	Fresh    bool                `json:"fresh"` // 自上次斷線後 players 與 tracks 是否已由裝置重新確認
}

// SectionLabels 產生 "Track: Section" 形式的標籤，依 track 列表順序
// 與原本的下拉選單標籤格式一致
func (s CatalogSnapshot) SectionLabels() []string {
	var labels []string
	for _, track := range s.Tracks {
		for _, section := range s.Sections[track] {
			labels = append(labels, track+": "+section)
		}
	}
	return labels
}

// String 簡短摘要，用於日誌
func (s CatalogSnapshot) String() string {
	sections := 0
	for _, list := range s.Sections {
		sections += len(list)
	}
	return fmt.Sprintf("players=[%s] tracks=[%s] sections=%d",
		strings.Join(s.Players, ", "), strings.Join(s.Tracks, ", "), sections)
}
