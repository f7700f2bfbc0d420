// Package room implements one isolated game world: its player set, host
// election, seed distribution, tick-driven position broadcast, and message
// dispatch/relay. Every mutation of a Room's state is serialised behind
// its mutex, held for the duration of each handler, so rooms never need to
// coordinate with one another.
package room

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oceandepths/gameserver/internal/metrics"
	"github.com/oceandepths/gameserver/internal/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultMasterSeed is the master seed a freshly created room starts with,
// before any REQUEST_MAP_CHANGE regenerates it.
const DefaultMasterSeed uint32 = 12345

// DefaultTickRate is the broadcast tick rate in Hz used unless a room is
// constructed with an explicit override.
const DefaultTickRate = 20

// DefaultMaxPlayers is the per-room capacity used unless overridden.
const DefaultMaxPlayers = 100

// activeLogEveryTicks is measured in seconds: every TickRate*30 ticks
// (~30s at any tick rate) the room logs how many players are active.
const activeLogEveryTicks = 30

// Room owns one isolation domain: its player set, host identity, seeds,
// dead-NPC set, and tick loop.
type Room struct {
	mu sync.RWMutex

	ID         string
	MaxPlayers int
	TickRate   int

	worldSeed      uint32
	npcSeed        uint32
	lastMasterSeed uint32

	players      map[int]*Player
	nextPlayerID int
	hostID       int // 0 means "no host"
	deadNPCIDs   map[string]struct{}

	warned map[int]map[protocol.Type]bool

	tickCount atomic.Uint64
	stopCh    chan struct{}
	running   atomic.Bool

	onEmpty func(roomID string)
	log     *logrus.Entry
}

// New creates a room with the given id. It is not started automatically;
// call Start to begin its tick loop.
func New(id string, maxPlayers, tickRate int, onEmpty func(roomID string), log *logrus.Entry) *Room {
	if maxPlayers <= 0 {
		maxPlayers = DefaultMaxPlayers
	}
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	return &Room{
		ID:             id,
		MaxPlayers:     maxPlayers,
		TickRate:       tickRate,
		worldSeed:      DefaultMasterSeed,
		npcSeed:        DefaultMasterSeed + 1,
		lastMasterSeed: DefaultMasterSeed,
		players:        make(map[int]*Player),
		nextPlayerID:   1,
		deadNPCIDs:     make(map[string]struct{}),
		warned:         make(map[int]map[protocol.Type]bool),
		stopCh:         make(chan struct{}),
		onEmpty:        onEmpty,
		log:            log.WithField("room", id),
	}
}

// Start begins the room's tick loop in its own goroutine. Safe to call
// more than once; later calls are no-ops.
func (r *Room) Start() {
	if r.running.Swap(true) {
		return
	}
	go r.tickLoop()
}

// Stop halts the tick loop and closes every connection the room owns.
// Safe to call more than once.
func (r *Room) Stop() {
	if !r.running.Swap(false) {
		return
	}
	close(r.stopCh)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players {
		_ = p.Conn.Close()
	}
	r.players = make(map[int]*Player)
}

// PlayerCount returns the number of connected players.
func (r *Room) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// IsEmpty reports whether the room currently has no players.
func (r *Room) IsEmpty() bool {
	return r.PlayerCount() == 0
}

// AddPlayer admits a new connection to the room, assigns it a player id,
// elects it host if the room was empty, and sends it a WELCOME frame
// describing the room's current state. It does not broadcast the join;
// that happens later, when the player sends JOIN_GAME.
func (r *Room) AddPlayer(conn Connection, name string) *Player {
	r.mu.Lock()

	id := r.nextPlayerID
	r.nextPlayerID++

	p := newPlayer(id, name, conn)
	r.players[id] = p
	r.warned[id] = make(map[protocol.Type]bool)

	isHost := false
	if r.hostID == 0 {
		r.hostID = id
		isHost = true
	}

	welcome := protocol.Welcome{
		T:          int(protocol.TypeWelcome),
		ID:         id,
		RoomID:     r.ID,
		WorldSeed:  r.worldSeed,
		NPCSeed:    r.npcSeed,
		HostID:     r.hostID,
		IsHost:     isHost,
		Players:    r.inGameSnapshotsLocked(id),
		DeadNPCIDs: r.deadNPCIDListLocked(),
	}
	r.mu.Unlock()

	metrics.PlayersConnected.Inc()
	r.log.WithFields(logrus.Fields{"player": id, "name": p.DisplayName}).Info("player connected")

	r.send(id, conn, protocol.Encode(welcome))
	return p
}

// RemovePlayer removes a player from the room, broadcasts PLAYER_LEAVE,
// migrates the host if necessary, and fires the room's onEmpty callback
// if the removal left the room empty.
func (r *Room) RemovePlayer(playerID int) {
	r.mu.Lock()
	_, exists := r.players[playerID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.players, playerID)
	delete(r.warned, playerID)
	wasHost := r.hostID == playerID

	var newHost int
	if wasHost {
		newHost = r.electHostLocked()
	}
	r.mu.Unlock()

	metrics.PlayersConnected.Dec()
	r.log.WithField("player", playerID).Info("player disconnected")

	r.broadcast(protocol.Encode(protocol.PlayerLeave{T: int(protocol.TypePlayerLeave), ID: playerID}))

	if wasHost {
		r.migrateHost(newHost)
	}

	if r.IsEmpty() && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

// electHostLocked picks the next host from the remaining players, in
// ascending id order - a deterministic, stable choice. Caller must hold
// the write lock. It updates r.hostID and returns the new host's id, or 0
// if no player remains.
func (r *Room) electHostLocked() int {
	next := 0
	for id := range r.players {
		if next == 0 || id < next {
			next = id
		}
	}
	r.hostID = next
	return next
}

// migrateHost notifies the newly elected host (if any) and the rest of
// the room. Called after the host slot has already been updated.
func (r *Room) migrateHost(newHostID int) {
	if newHostID == 0 {
		return
	}
	metrics.HostMigrations.Inc()
	r.log.WithField("player", newHostID).Info("host migrated")

	r.mu.RLock()
	host, ok := r.players[newHostID]
	r.mu.RUnlock()
	if ok {
		r.send(newHostID, host.Conn, protocol.Encode(protocol.HostAssigned{T: int(protocol.TypeHostAssigned), IsHost: true}))
	}
	r.broadcastExcept(protocol.Encode(protocol.HostChanged{T: int(protocol.TypeHostChanged), HostID: newHostID}), newHostID)
}

// HandleMessage dispatches one inbound frame from playerID. Unknown types
// are logged and dropped; malformed or unauthorised payloads are dropped
// silently per the room's defensive-handler contract.
func (r *Room) HandleMessage(playerID int, data []byte) {
	t := protocol.PeekType(data)
	if t == protocol.TypeInvalid {
		r.warnOnce(playerID, t, "dropping unparseable frame")
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		return
	}

	switch t {
	case protocol.TypePosition:
		r.handlePosition(playerID, data)
	case protocol.TypeJoinGame:
		r.handleJoinGame(playerID, data)
	case protocol.TypeCreatureUpdate:
		r.handleCreatureUpdate(playerID, data)
	case protocol.TypePing:
		r.handlePing(playerID, data)
	case protocol.TypeEatNPC:
		r.handleEatNPC(playerID, data)
	case protocol.TypeNPCSnapshot:
		r.handleNPCSnapshot(playerID, data)
	case protocol.TypeAbilityStart:
		r.handleAbility(playerID, data, protocol.TypeAbilityStart)
	case protocol.TypeAbilityStop:
		r.handleAbility(playerID, data, protocol.TypeAbilityStop)
	case protocol.TypePrismPlace:
		r.handlePrismPlace(playerID, data)
	case protocol.TypePrismRemove:
		r.handlePrismRemove(playerID, data)
	case protocol.TypeChat:
		r.handleChat(playerID, data)
	case protocol.TypeRequestMapChange:
		r.handleRequestMapChange(playerID)
	case protocol.TypeEatPlayer:
		// TODO: EAT_PLAYER has no handler body upstream either - it is
		// unclear whether authority lives server-side (compare volumes)
		// or client-side with the server as a relay. Reject rather than
		// guess, per the open question this leaves.
		r.warnOnce(playerID, t, "EAT_PLAYER is not implemented, dropping")
	case protocol.TypeSwitchRoom:
		// TODO: SWITCH_ROOM is enumerated but the front-end admits a
		// joiner to exactly one room for life; there is no migration path.
		r.warnOnce(playerID, t, "SWITCH_ROOM is not implemented, dropping")
	default:
		r.warnOnce(playerID, t, "dropping unknown message type")
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonUnknownType).Inc()
	}
}

func (r *Room) handlePosition(playerID int, data []byte) {
	m, err := protocol.ParsePosition(data)
	if err != nil {
		r.dropMalformed(playerID, protocol.TypePosition, err)
		return
	}
	if !protocol.IsValidPosition(m.X, m.Y, m.Z) {
		r.dropMalformed(playerID, protocol.TypePosition, nil)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[playerID]
	if !ok {
		return
	}
	p.Position = [3]float64{m.X, m.Y, m.Z}
	p.Rotation = [3]float64{derefOr(m.RX, 0), derefOr(m.RY, 0), derefOr(m.RZ, 0)}
	if m.Scale != nil && protocol.IsValidScale(*m.Scale) {
		p.Scale = *m.Scale
	}
	p.LastUpdate = time.Now()
}

func (r *Room) handleJoinGame(playerID int, data []byte) {
	m, err := protocol.ParseJoinGame(data)
	if err != nil {
		r.dropMalformed(playerID, protocol.TypeJoinGame, err)
		return
	}
	if !protocol.IsValidCreature(m.Creature) {
		r.dropMalformed(playerID, protocol.TypeJoinGame, nil)
		return
	}

	r.mu.Lock()
	p, ok := r.players[playerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	creature := m.Creature
	p.Creature = &creature
	if m.Name != nil {
		p.DisplayName = trimName(*m.Name)
	}
	p.InGame = true
	join := protocol.PlayerJoin{
		T:        int(protocol.TypePlayerJoin),
		ID:       p.ID,
		Name:     p.DisplayName,
		Position: vec3(p.Position),
		Rotation: vec3(p.Rotation),
		Scale:    p.Scale,
		Creature: creature,
	}
	r.mu.Unlock()

	r.broadcastExcept(protocol.Encode(join), playerID)
}

func (r *Room) handleCreatureUpdate(playerID int, data []byte) {
	m, err := protocol.ParseCreatureUpdate(data)
	if err != nil {
		r.dropMalformed(playerID, protocol.TypeCreatureUpdate, err)
		return
	}
	if !protocol.IsValidCreature(m.Creature) {
		r.dropMalformed(playerID, protocol.TypeCreatureUpdate, nil)
		return
	}

	r.mu.Lock()
	p, ok := r.players[playerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	creature := m.Creature
	p.Creature = &creature
	r.mu.Unlock()

	out := protocol.CreatureUpdateOut{T: int(protocol.TypeCreatureUpdate), ID: playerID, Creature: creature}
	r.broadcastExcept(protocol.Encode(out), playerID)
}

func (r *Room) handlePing(playerID int, data []byte) {
	m, err := protocol.ParsePing(data)
	if err != nil {
		r.dropMalformed(playerID, protocol.TypePing, err)
		return
	}

	r.mu.RLock()
	p, ok := r.players[playerID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	pong := protocol.Pong{
		T:          int(protocol.TypePong),
		ClientTime: m.ClientTime,
		ServerTime: time.Now().UnixMilli(),
	}
	r.send(playerID, p.Conn, protocol.Encode(pong))
}

func (r *Room) handleEatNPC(playerID int, data []byte) {
	m, err := protocol.ParseEatNPC(data)
	if err != nil || m.NPCID == "" {
		r.dropMalformed(playerID, protocol.TypeEatNPC, err)
		return
	}

	r.mu.Lock()
	if _, dead := r.deadNPCIDs[m.NPCID]; dead {
		r.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonDuplicate).Inc()
		return
	}
	r.deadNPCIDs[m.NPCID] = struct{}{}
	r.mu.Unlock()

	r.broadcast(protocol.Encode(protocol.NPCDeath{T: int(protocol.TypeNPCDeath), NPCID: m.NPCID, EatenBy: playerID}))
}

func (r *Room) handleNPCSnapshot(playerID int, data []byte) {
	r.mu.RLock()
	isHost := playerID == r.hostID
	r.mu.RUnlock()
	if !isHost {
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonUnauthorised).Inc()
		return
	}

	m, err := protocol.ParseNPCSnapshot(data)
	if err != nil || !protocol.IsValidNPCSnapshot(m) {
		r.dropMalformed(playerID, protocol.TypeNPCSnapshot, err)
		return
	}

	out := protocol.NPCSnapshotOut{T: int(protocol.TypeNPCSnapshot), Tick: m.Tick, Fish: m.Fish}
	r.broadcastExcept(protocol.Encode(out), playerID)
}

func (r *Room) handleAbility(playerID int, data []byte, t protocol.Type) {
	m, err := protocol.ParseAbility(data)
	if err != nil || !protocol.IsValidAbility(m.Ability) {
		r.dropMalformed(playerID, t, err)
		return
	}

	out := protocol.AbilityOut{
		T:         int(t),
		ID:        playerID,
		Ability:   m.Ability,
		Color:     m.Color,
		Terrain:   m.Terrain,
		MimicSeed: m.MimicSeed,
	}
	r.broadcastExcept(protocol.Encode(out), playerID)
}

func (r *Room) handlePrismPlace(playerID int, data []byte) {
	m, err := protocol.ParsePrismPlace(data)
	if err != nil || m.PrismID == "" || m.Position == nil || m.Quaternion == nil {
		r.dropMalformed(playerID, protocol.TypePrismPlace, err)
		return
	}

	out := protocol.PrismPlaceOut{
		T:          int(protocol.TypePrismPlace),
		ID:         playerID,
		PrismID:    m.PrismID,
		Position:   *m.Position,
		Quaternion: *m.Quaternion,
		Length:     m.Length,
		Radius:     m.Radius,
		Color:      m.Color,
		Roughness:  m.Roughness,
		Metalness:  m.Metalness,
		Emissive:   m.Emissive,
	}
	r.broadcastExcept(protocol.Encode(out), playerID)
}

func (r *Room) handlePrismRemove(playerID int, data []byte) {
	m, err := protocol.ParsePrismRemove(data)
	if err != nil || m.PrismID == "" {
		r.dropMalformed(playerID, protocol.TypePrismRemove, err)
		return
	}

	out := protocol.PrismRemoveOut{T: int(protocol.TypePrismRemove), ID: playerID, PrismID: m.PrismID}
	r.broadcastExcept(protocol.Encode(out), playerID)
}

func (r *Room) handleChat(playerID int, data []byte) {
	m, err := protocol.ParseChat(data)
	if err != nil || m.Text == "" {
		r.dropMalformed(playerID, protocol.TypeChat, err)
		return
	}
	text := m.Text
	if runes := []rune(text); len(runes) > 200 {
		text = string(runes[:200])
	}

	r.mu.RLock()
	p, ok := r.players[playerID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	out := protocol.ChatOut{
		T:             int(protocol.TypeChat),
		SenderID:      playerID,
		Sender:        p.DisplayName,
		Text:          text,
		IsEmoji:       derefBoolOr(m.IsEmoji, false),
		ShowProximity: derefBoolOr(m.ShowProximity, true),
	}
	r.broadcastExcept(protocol.Encode(out), playerID)
}

func (r *Room) handleRequestMapChange(playerID int) {
	masterSeed := randomUint32()

	r.mu.Lock()
	r.lastMasterSeed = masterSeed
	r.worldSeed = masterSeed
	r.npcSeed = masterSeed + 1
	r.deadNPCIDs = make(map[string]struct{})
	r.mu.Unlock()

	r.broadcast(protocol.Encode(protocol.MapChange{T: int(protocol.TypeMapChange), Seed: masterSeed, RequestedBy: playerID}))
}

// tickLoop runs the room's periodic broadcast at TickRate Hz.
func (r *Room) tickLoop() {
	interval := time.Second / time.Duration(r.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Room) tick() {
	count := r.tickCount.Add(1)
	now := time.Now().UnixMilli()

	r.mu.RLock()
	records := make([]protocol.PositionRecord, 0, len(r.players))
	for _, p := range r.players {
		if !p.InGame {
			continue
		}
		records = append(records, protocol.PositionRecord{
			ID: p.ID,
			X:  p.Position[0], Y: p.Position[1], Z: p.Position[2],
			RX: p.Rotation[0], RY: p.Rotation[1], RZ: p.Rotation[2],
			S: p.Scale,
		})
	}
	playerCount := len(r.players)
	r.mu.RUnlock()

	if len(records) > 0 {
		batch := protocol.BatchPositions{T: int(protocol.TypeBatchPositions), Time: now, P: records}
		r.broadcast(protocol.Encode(batch))
	}

	if playerCount > 0 && count%uint64(r.TickRate*activeLogEveryTicks) == 0 {
		r.log.Infof("%d players active", playerCount)
	}
}

// --- broadcast helpers ---

func (r *Room) send(playerID int, conn Connection, data []byte) {
	if data == nil {
		return
	}
	r.logSendErr(playerID, conn.Send(data))
}

func (r *Room) broadcast(data []byte) {
	if data == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, p := range r.players {
		r.logSendErr(id, p.Conn.Send(data))
	}
}

func (r *Room) broadcastExcept(data []byte, exceptID int) {
	if data == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, p := range r.players {
		if id == exceptID {
			continue
		}
		r.logSendErr(id, p.Conn.Send(data))
	}
}

// logSendErr reports a per-recipient send failure. A full send buffer is a
// transient backpressure condition, counted separately from a hard
// connection error, per the room's "log with player id and continue"
// contract - it never stops the rest of a broadcast.
func (r *Room) logSendErr(playerID int, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrSendBufferFull) {
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonBackpressure).Inc()
		r.log.WithFields(logrus.Fields{"player": playerID, "error": err}).Warn("send buffer full, dropping frame")
		return
	}
	r.log.WithFields(logrus.Fields{"player": playerID, "error": err}).Warn("send failed")
}

func (r *Room) inGameSnapshotsLocked(excludeID int) []protocol.PlayerSnapshot {
	out := make([]protocol.PlayerSnapshot, 0, len(r.players))
	for _, p := range r.players {
		if p.ID == excludeID || !p.InGame {
			continue
		}
		creature := protocol.Creature{}
		if p.Creature != nil {
			creature = *p.Creature
		}
		out = append(out, protocol.PlayerSnapshot{
			ID:       p.ID,
			Name:     p.DisplayName,
			Position: vec3(p.Position),
			Rotation: vec3(p.Rotation),
			Scale:    p.Scale,
			Creature: creature,
		})
	}
	return out
}

func (r *Room) deadNPCIDListLocked() []string {
	out := make([]string, 0, len(r.deadNPCIDs))
	for id := range r.deadNPCIDs {
		out = append(out, id)
	}
	return out
}

// --- logging / metrics helpers ---

func (r *Room) warnOnce(playerID int, t protocol.Type, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perPlayer, ok := r.warned[playerID]
	if !ok {
		perPlayer = make(map[protocol.Type]bool)
		r.warned[playerID] = perPlayer
	}
	if perPlayer[t] {
		return
	}
	perPlayer[t] = true
	r.log.WithFields(logrus.Fields{"player": playerID, "type": int(t)}).Warn(msg)
}

func (r *Room) dropMalformed(playerID int, t protocol.Type, err error) {
	reason := "failed validation"
	if err != nil {
		reason = err.Error()
	}
	r.warnOnce(playerID, t, reason)
	metrics.MessagesDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
}

// --- small pure helpers ---

func derefOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func derefBoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func vec3(a [3]float64) protocol.Vec3 {
	return protocol.Vec3{X: a[0], Y: a[1], Z: a[2]}
}

func randomUint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform RNG is broken; fall back
		// to a time-derived value rather than panicking mid-broadcast.
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(buf[:])
}
