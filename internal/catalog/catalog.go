// ============================================================================
// mtcbridge Device Catalog Cache
// ============================================================================
//
// Package: internal/catalog
// File: catalog.go
// Purpose: Hold the latest players / tracks / per-track sections reported by
//          the device, with change suppression
//
// Change suppression:
//   Every Apply* compares the incoming ordered list with the stored one,
//   element by element. Only a difference replaces the stored value and
//   reports "changed"; the controller turns "changed" into exactly one
//   catalog-changed notification. Polls that return the same data are no-ops.
//
// Dependent refresh:
//   A changed track list returns the tracks whose section lists must be
//   re-fetched. The cache never issues queries itself. Sections of tracks
//   that left the list are pruned.
//
// Staleness:
//   Data survives a disconnect (it can still seed defaults) but MarkStale()
//   flags it until the device confirms players and tracks again.
//
// Concurrency:
//   Not safe for concurrent use; owned by the controller loop. Getters
//   return copies.
//
// ============================================================================

package catalog

import (
	"slices"

	"github.com/ChuLiYu/mtcbridge/pkg/types"
)

// Cache stores the device catalog.
type Cache struct {
	players  []string
	tracks   []string
	sections map[string][]string

	playersFresh bool
	tracksFresh  bool
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{sections: make(map[string][]string)}
}

// ApplyPlayerList stores names if they differ from the current players.
func (c *Cache) ApplyPlayerList(names []string) bool {
	c.playersFresh = true
	if slices.Equal(c.players, names) {
		return false
	}
	c.players = slices.Clone(names)
	return true
}

// ApplyTrackList stores names if they differ from the current tracks. When
// changed, refresh lists every track whose sections should be re-fetched.
func (c *Cache) ApplyTrackList(names []string) (changed bool, refresh []string) {
	c.tracksFresh = true
	if slices.Equal(c.tracks, names) {
		return false, nil
	}
	c.tracks = slices.Clone(names)

	for track := range c.sections {
		if !slices.Contains(c.tracks, track) {
			delete(c.sections, track)
		}
	}
	return true, slices.Clone(c.tracks)
}

// ApplySectionList stores the sections of track if they differ. Answers for
// a track no longer in the track list are dropped.
func (c *Cache) ApplySectionList(track string, names []string) bool {
	if !slices.Contains(c.tracks, track) {
		return false
	}
	current, known := c.sections[track]
	if known && slices.Equal(current, names) {
		return false
	}
	if !known && len(names) == 0 {
		// Nothing stored and nothing reported: still "no sections"
		c.sections[track] = []string{}
		return false
	}
	c.sections[track] = slices.Clone(names)
	return true
}

// Players returns a copy of the player names.
func (c *Cache) Players() []string {
	return cloneOrEmpty(c.players)
}

// Tracks returns a copy of the track names.
func (c *Cache) Tracks() []string {
	return cloneOrEmpty(c.tracks)
}

// Sections returns a copy of the section names of track (empty if unknown).
func (c *Cache) Sections(track string) []string {
	return cloneOrEmpty(c.sections[track])
}

// MarkStale flags the data as unconfirmed. Called on disconnect.
func (c *Cache) MarkStale() {
	c.playersFresh = false
	c.tracksFresh = false
}

// Fresh reports whether players and tracks were confirmed since the last MarkStale.
func (c *Cache) Fresh() bool {
	return c.playersFresh && c.tracksFresh
}

// Snapshot returns a deep copy of the catalog.
func (c *Cache) Snapshot() types.CatalogSnapshot {
	sections := make(map[string][]string, len(c.sections))
	for track, list := range c.sections {
		sections[track] = cloneOrEmpty(list)
	}
	return types.CatalogSnapshot{
		Players:  c.Players(),
		Tracks:   c.Tracks(),
		Sections: sections,
		Fresh:    c.Fresh(),
	}
}

// Counts returns the number of players, tracks and sections.
func (c *Cache) Counts() (players, tracks, sections int) {
	for _, list := range c.sections {
		sections += len(list)
	}
	return len(c.players), len(c.tracks), sections
}

func cloneOrEmpty(list []string) []string {
	if len(list) == 0 {
		return []string{}
	}
	return slices.Clone(list)
}
