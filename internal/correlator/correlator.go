// ============================================================================
// mtcbridge Request Correlator
// ============================================================================
//
// Package: internal/correlator
// File: correlator.go
// Purpose: Match device responses to the catalog queries that caused them
//
// Model:
//   Issue(kind)   → allocate id, remember {id → kind, issuedAt}, build query
//   Resolve(msg)  → look up msg.request; on hit remove the entry and hand back
//                   the kind with the results; on miss log and discard
//
//   Correlation is purely by id. Responses may arrive in any order relative to
//   issuance, and several queries of different kinds may be outstanding.
//
// Misses (never an error to the caller):
//   - no "request" field (unsolicited message)
//   - request == -1 (device could not attribute an error)
//   - unknown or already resolved id
//
// Lifetime:
//   Ids increase monotonically for the whole correlator lifetime and are never
//   reused. Reset() discards every pending entry (on disconnect); Expire()
//   drops entries a silent device never answered.
//
// Concurrency:
//   Not safe for concurrent use; owned by the controller loop.
//
// ============================================================================

package correlator

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/mtcbridge/internal/protocol"
	"github.com/ChuLiYu/mtcbridge/pkg/types"
)

// PendingRequest is an issued query awaiting its response.
type PendingRequest struct {
	ID       uint64
	Kind     types.QueryKind
	IssuedAt time.Time
}

// Resolution is the outcome of a matched response.
type Resolution struct {
	Kind    types.QueryKind
	Results []protocol.Result // nil when the response carried no results array
	Status  string
	Latency time.Duration
}

// OK reports whether the device answered with status "OK".
func (r Resolution) OK() bool {
	return r.Status == protocol.StatusOK
}

// Correlator tracks outstanding queries.
type Correlator struct {
	nextID  uint64
	pending map[uint64]PendingRequest
	now     func() time.Time
	log     *slog.Logger
}

// New creates a Correlator. A nil logger selects slog.Default().
func New(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		nextID:  1,
		pending: make(map[uint64]PendingRequest),
		now:     time.Now,
		log:     logger,
	}
}

// Issue records a new pending query and returns the message to send.
func (c *Correlator) Issue(kind types.QueryKind) protocol.QueryMessage {
	id := c.nextID
	c.nextID++

	c.pending[id] = PendingRequest{ID: id, Kind: kind, IssuedAt: c.now()}

	return protocol.QueryMessage{
		Request: id,
		Query:   protocol.QueryBody{Q: kind.String()},
	}
}

// Resolve matches msg to a pending query. ok is false on a miss; other pending
// entries are never touched.
func (c *Correlator) Resolve(msg protocol.InboundMessage) (Resolution, bool) {
	if msg.Request == nil {
		c.log.Debug("Unsolicited message ignored", "status", msg.Status)
		return Resolution{}, false
	}

	raw := *msg.Request
	if raw == protocol.ErrorRequestID {
		c.log.Warn("Device reported unattributed error", "status", msg.Status)
		return Resolution{}, false
	}
	if raw < 0 {
		c.log.Warn("Response with invalid request id", "request", raw, "status", msg.Status)
		return Resolution{}, false
	}

	id := uint64(raw)
	req, found := c.pending[id]
	if !found {
		c.log.Warn("Response for unknown request", "request", id, "status", msg.Status)
		return Resolution{}, false
	}
	delete(c.pending, id)

	return Resolution{
		Kind:    req.Kind,
		Results: msg.Results,
		Status:  msg.Status,
		Latency: c.now().Sub(req.IssuedAt),
	}, true
}

// Cancel forgets a query that could not be written.
func (c *Correlator) Cancel(id uint64) {
	delete(c.pending, id)
}

// Expire removes and returns pending entries issued more than maxAge before now.
func (c *Correlator) Expire(now time.Time, maxAge time.Duration) []PendingRequest {
	if maxAge <= 0 {
		return nil
	}

	var expired []PendingRequest
	for id, req := range c.pending {
		if now.Sub(req.IssuedAt) > maxAge {
			expired = append(expired, req)
			delete(c.pending, id)
		}
	}
	return expired
}

// Reset discards all pending entries without resolving them.
func (c *Correlator) Reset() {
	if n := len(c.pending); n > 0 {
		c.log.Debug("Discarding pending requests", "count", n)
	}
	c.pending = make(map[uint64]PendingRequest)
}

// Pending returns the number of outstanding queries.
func (c *Correlator) Pending() int {
	return len(c.pending)
}
