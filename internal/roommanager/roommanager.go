// Package roommanager owns the process-wide room directory: creation,
// admission scoring, destruction, the grace window before an emptied room
// is destroyed, and the periodic cleanup sweep that reclaims empty rooms
// beyond the floor.
package roommanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oceandepths/gameserver/internal/metrics"
	"github.com/oceandepths/gameserver/internal/room"
	"github.com/sirupsen/logrus"
)

// EmptyRoomGrace is how long an over-the-floor empty room is given before
// it is actually destroyed, to absorb a quick reconnect without thrashing.
const EmptyRoomGrace = 10 * time.Second

// CleanupInterval is how often the background sweep destroys empty rooms
// beyond the floor. The sweep does not check how long a room has been
// empty.
const CleanupInterval = 30 * time.Second

// fillRatioPenaltyThreshold and fillRatioPenalty implement the admission
// scoring rule: rooms more than 80% full have their score halved, so the
// last few slots are reserved for players joining via a preferred room id.
const (
	fillRatioPenaltyThreshold = 0.8
	fillRatioPenalty          = 0.5
)

// Manager is the process-wide room directory.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*room.Room

	maxPlayersPerRoom int
	minRooms          int
	tickRate          int
	nextRoomID        atomic.Int64

	log *logrus.Entry

	cancel context.CancelFunc
}

// New creates a manager and seeds it with minRooms empty rooms, matching
// the teacher's "create rooms the floor requires at startup" behaviour.
func New(maxPlayersPerRoom, minRooms, tickRate int, log *logrus.Entry) *Manager {
	m := &Manager{
		rooms:             make(map[string]*room.Room),
		maxPlayersPerRoom: maxPlayersPerRoom,
		minRooms:          minRooms,
		tickRate:          tickRate,
		log:               log,
	}
	for i := 0; i < minRooms; i++ {
		m.CreateRoom("")
	}
	return m
}

// Start launches the periodic cleanup sweep. It runs until ctx is
// cancelled or Shutdown is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		ticker := time.NewTicker(CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup()
			}
		}
	}()
}

// CreateRoom mints a room, registering an onEmpty callback that routes
// into handleEmptyRoom. An empty customID generates one of the form
// "ocean_<n>".
func (m *Manager) CreateRoom(customID string) *room.Room {
	m.mu.Lock()
	id := customID
	if id == "" {
		id = fmt.Sprintf("ocean_%d", m.nextRoomID.Add(1))
	}
	r := room.New(id, m.maxPlayersPerRoom, m.tickRate, m.handleEmptyRoom, m.log)
	m.rooms[id] = r
	m.mu.Unlock()

	r.Start()
	metrics.RoomsActive.Inc()
	m.log.WithField("room", id).Info("room created")
	return r
}

// DestroyRoom stops a room's tick loop, closes its connections, and
// removes it from the directory.
func (m *Manager) DestroyRoom(id string) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	if ok {
		delete(m.rooms, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	r.Stop()
	metrics.RoomsActive.Dec()
	metrics.RoomsDestroyed.Inc()
	m.log.WithField("room", id).Info("room destroyed")
}

// FindRoom implements the admission algorithm: prefer an explicit room id
// with capacity; otherwise score every room with capacity (fill ratio
// above 80% halves the score) and return the highest scorer; otherwise
// create a new room.
func (m *Manager) FindRoom(preferredID string) *room.Room {
	if preferredID != "" {
		m.mu.RLock()
		r, ok := m.rooms[preferredID]
		m.mu.RUnlock()
		if ok && r.PlayerCount() < r.MaxPlayers {
			return r
		}
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids) // stable iteration order for tie-breaking
	m.mu.RUnlock()

	var best *room.Room
	var bestScore float64 = -1
	for _, id := range ids {
		m.mu.RLock()
		r := m.rooms[id]
		m.mu.RUnlock()
		if r == nil {
			continue
		}
		count := r.PlayerCount()
		if count >= r.MaxPlayers {
			continue
		}
		score := float64(count)
		if float64(count)/float64(r.MaxPlayers) > fillRatioPenaltyThreshold {
			score *= fillRatioPenalty
		}
		if score > bestScore {
			bestScore = score
			best = r
		}
	}
	if best != nil {
		return best
	}

	return m.CreateRoom("")
}

// handleEmptyRoom is the callback a room fires when its player count
// drops to zero. If destroying it would violate the floor, it is left
// alone; otherwise a delayed re-check absorbs a quick reconnect before
// the room is actually destroyed.
func (m *Manager) handleEmptyRoom(id string) {
	m.mu.RLock()
	total := len(m.rooms)
	m.mu.RUnlock()
	if total <= m.minRooms {
		return
	}

	time.AfterFunc(EmptyRoomGrace, func() {
		m.mu.RLock()
		r, ok := m.rooms[id]
		total := len(m.rooms)
		m.mu.RUnlock()
		if !ok || !r.IsEmpty() || total <= m.minRooms {
			return
		}
		m.DestroyRoom(id)
	})
}

// Cleanup destroys every empty room beyond the floor. It runs every
// CleanupInterval from the goroutine Start launches.
func (m *Manager) Cleanup() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id, r := range m.rooms {
		if r.IsEmpty() {
			ids = append(ids, id)
		}
	}
	total := len(m.rooms)
	m.mu.RUnlock()

	removable := total - m.minRooms
	if removable <= 0 {
		return
	}
	sort.Strings(ids)
	if len(ids) > removable {
		ids = ids[:removable]
	}
	for _, id := range ids {
		m.DestroyRoom(id)
	}
}

// Shutdown stops the cleanup sweep and destroys every room, closing every
// connection they own.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.DestroyRoom(id)
	}
}

// Stats is an aggregate view of the manager used by the HTTP surface.
type Stats struct {
	TotalRooms   int        `json:"totalRooms"`
	TotalPlayers int        `json:"totalPlayers"`
	Rooms        []RoomStat `json:"rooms"`
}

// RoomStat is one room's contribution to Stats.
type RoomStat struct {
	ID          string `json:"id"`
	PlayerCount int    `json:"playerCount"`
	MaxPlayers  int    `json:"maxPlayers"`
}

// GetStats aggregates room counts for the /stats endpoint.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{TotalRooms: len(m.rooms), Rooms: make([]RoomStat, 0, len(m.rooms))}
	for id, r := range m.rooms {
		count := r.PlayerCount()
		stats.TotalPlayers += count
		stats.Rooms = append(stats.Rooms, RoomStat{ID: id, PlayerCount: count, MaxPlayers: r.MaxPlayers})
	}
	return stats
}

// GetRoomList returns rooms sorted by player count descending, for the
// /rooms endpoint.
func (m *Manager) GetRoomList() []RoomStat {
	stats := m.GetStats()
	sort.Slice(stats.Rooms, func(i, j int) bool {
		return stats.Rooms[i].PlayerCount > stats.Rooms[j].PlayerCount
	})
	return stats.Rooms
}
