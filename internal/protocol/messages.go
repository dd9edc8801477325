// ============================================================================
// mtcbridge Wire Protocol - MultiTransport JSON lines
// ============================================================================
//
// Package: internal/protocol
// File: messages.go
// Purpose: Outbound/inbound message shapes and line codec
//
// Wire format:
//   One JSON object per line, terminated by '\n'.
//
//   Command (no response expected):
//     {"track_command": {"player": "...", "command": "play", "track": "...",
//                        "location": "CUE 1.2", "transition": 1.5}}
//
//   Query:
//     {"request": 7, "query": {"q": "playerList" | "trackList" | "cueList <track>"}}
//
//   Response:
//     {"request": 7, "status": "OK", "results": [{"player": "..."}, ...]}
//     {"request": -1, "status": "<error text>"}
//
// ============================================================================

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StatusOK is the status string of a successful response.
const StatusOK = "OK"

// ErrorRequestID is the request id the device uses when it cannot attribute an error.
const ErrorRequestID = -1

// Outbound is implemented by every message the client writes.
type Outbound interface {
	outbound()
}

// TrackCommand is the payload of a transport/cue command.
// Transition (seconds) and TransitionTrack/TransitionSection are mutually exclusive;
// the encoder never sets both.
type TrackCommand struct {
	Player            string      `json:"player"`
	Command           string      `json:"command"`
	Track             string      `json:"track,omitempty"`
	Location          string      `json:"location,omitempty"`
	Transition        json.Number `json:"transition,omitempty"`
	TransitionTrack   string      `json:"transitionTrack,omitempty"`
	TransitionSection string      `json:"transitionSection,omitempty"`
}

// CommandMessage wraps a TrackCommand.
type CommandMessage struct {
	TrackCommand TrackCommand `json:"track_command"`
}

func (CommandMessage) outbound() {}

// QueryBody carries the query string.
type QueryBody struct {
	Q string `json:"q"`
}

// QueryMessage is a catalog query correlated by Request.
type QueryMessage struct {
	Request uint64    `json:"request"`
	Query   QueryBody `json:"query"`
}

func (QueryMessage) outbound() {}

// Result is one entry of a response's results array. Exactly one field is
// normally set, depending on the query.
type Result struct {
	Player   string `json:"player,omitempty"`
	Track    string `json:"track,omitempty"`
	Location string `json:"location,omitempty"`
}

// InboundMessage is any line received from the device.
//   - Request == nil: unsolicited / informational
//   - Results == nil: field absent; an empty array decodes to a non-nil empty slice
type InboundMessage struct {
	Request *int64   `json:"request,omitempty"`
	Status  string   `json:"status,omitempty"`
	Results []Result `json:"results,omitempty"`
}

// IsError reports whether the device flagged this message as an error.
func (m InboundMessage) IsError() bool {
	if m.Request != nil && *m.Request == ErrorRequestID {
		return true
	}
	return m.Status != StatusOK
}

// EncodeLine serializes msg and appends the line delimiter.
func EncodeLine(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %T: %w", msg, err)
	}
	return append(data, '\n'), nil
}

// DecodeInbound parses one line (without its delimiter).
func DecodeInbound(line string) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return InboundMessage{}, &DecodeError{Line: line, Err: err}
	}
	return msg, nil
}

// PlayerNames extracts the "player" field of each result.
func PlayerNames(results []Result) []string {
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Player)
	}
	return names
}

// TrackNames extracts the "track" field of each result.
func TrackNames(results []Result) []string {
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Track)
	}
	return names
}

// SectionNames extracts the "location" field of each result, skipping blank ones.
// The device reports section names in "location".
func SectionNames(results []Result) []string {
	names := make([]string, 0, len(results))
	for _, r := range results {
		if strings.TrimSpace(r.Location) == "" {
			continue
		}
		names = append(names, r.Location)
	}
	return names
}
