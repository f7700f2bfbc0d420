package room

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/oceandepths/gameserver/internal/protocol"
	"github.com/sirupsen/logrus"
)

// fakeConn collects every frame sent to it for assertions.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	fail    bool
	sendErr error // returned instead of a generic error when set
}

func (c *fakeConn) Send(data []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.fail {
		return fmt.Errorf("send failed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "test" }

func (c *fakeConn) messages() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(c.sent))
	for _, raw := range c.sent {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) last() map[string]interface{} {
	msgs := c.messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestRoom(id string) *Room {
	return New(id, DefaultMaxPlayers, DefaultTickRate, nil, testLogger())
}

func frame(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestAddPlayerSoloWelcome(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1 := &fakeConn{}

	r.AddPlayer(c1, "Alice")

	msgs := c1.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(msgs))
	}
	w := msgs[0]
	if int(w["t"].(float64)) != int(protocol.TypeWelcome) {
		t.Fatalf("expected WELCOME, got %v", w["t"])
	}
	if int(w["id"].(float64)) != 1 {
		t.Fatalf("expected id=1, got %v", w["id"])
	}
	if w["isHost"] != true {
		t.Fatalf("expected isHost=true, got %v", w["isHost"])
	}
	if int(w["hostId"].(float64)) != 1 {
		t.Fatalf("expected hostId=1, got %v", w["hostId"])
	}
	if int(w["worldSeed"].(float64)) != int(DefaultMasterSeed) {
		t.Fatalf("expected default worldSeed, got %v", w["worldSeed"])
	}
	players, _ := w["players"].([]interface{})
	if len(players) != 0 {
		t.Fatalf("expected no players in welcome, got %v", players)
	}
	dead, _ := w["deadNpcIds"].([]interface{})
	if len(dead) != 0 {
		t.Fatalf("expected no dead npc ids, got %v", dead)
	}
}

func TestJoinBroadcastExcludesJoiner(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}

	p1 := r.AddPlayer(c1, "Alice")
	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{
		"t":        protocol.TypeJoinGame,
		"creature": map[string]interface{}{"type": "fish", "class": "tuna", "seed": 1},
	}))

	p2 := r.AddPlayer(c2, "Bob")
	// c2's welcome should list c1 since c1 is in-game.
	welcome := c2.messages()[0]
	players, _ := welcome["players"].([]interface{})
	if len(players) != 1 {
		t.Fatalf("expected welcome to list 1 in-game player, got %d", len(players))
	}

	c1Before := len(c1.messages())
	r.HandleMessage(p2.ID, frame(t, map[string]interface{}{
		"t":        protocol.TypeJoinGame,
		"creature": map[string]interface{}{"type": "fish", "class": "tuna", "seed": 7},
	}))

	c1After := c1.messages()
	if len(c1After) != c1Before+1 {
		t.Fatalf("expected exactly one new message to c1, got %d", len(c1After)-c1Before)
	}
	join := c1After[len(c1After)-1]
	if int(join["t"].(float64)) != int(protocol.TypePlayerJoin) {
		t.Fatalf("expected PLAYER_JOIN, got %v", join["t"])
	}
	if int(join["id"].(float64)) != p2.ID {
		t.Fatalf("expected join id=%d, got %v", p2.ID, join["id"])
	}

	// c2 never receives its own PLAYER_JOIN.
	for _, m := range c2.messages() {
		if int(m["t"].(float64)) == int(protocol.TypePlayerJoin) {
			t.Fatal("joiner should not receive its own PLAYER_JOIN")
		}
	}
}

func TestHostMigrationOnDisconnect(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}

	p1 := r.AddPlayer(c1, "Alice")
	p2 := r.AddPlayer(c2, "Bob")

	r.RemovePlayer(p1.ID)

	var gotLeave, gotHostAssigned bool
	for _, m := range c2.messages() {
		switch int(m["t"].(float64)) {
		case int(protocol.TypePlayerLeave):
			gotLeave = true
		case int(protocol.TypeHostAssigned):
			gotHostAssigned = true
			if m["isHost"] != true {
				t.Fatal("expected isHost=true in HOST_ASSIGNED")
			}
		}
	}
	if !gotLeave {
		t.Fatal("expected PLAYER_LEAVE for p1")
	}
	if !gotHostAssigned {
		t.Fatal("expected HOST_ASSIGNED sent to new host")
	}

	r.mu.RLock()
	host := r.hostID
	r.mu.RUnlock()
	if host != p2.ID {
		t.Fatalf("expected host to migrate to p2 (%d), got %d", p2.ID, host)
	}
}

func TestMapChangeBroadcastAndDeadNPCReset(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	r.AddPlayer(c2, "Bob")

	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{"t": protocol.TypeEatNPC, "npcId": "n-1"}))

	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{"t": protocol.TypeRequestMapChange}))

	var seeds []float64
	for _, c := range []*fakeConn{c1, c2} {
		m := c.last()
		if int(m["t"].(float64)) != int(protocol.TypeMapChange) {
			t.Fatalf("expected MAP_CHANGE as last message, got %v", m["t"])
		}
		if int(m["requestedBy"].(float64)) != p1.ID {
			t.Fatalf("expected requestedBy=%d, got %v", p1.ID, m["requestedBy"])
		}
		seeds = append(seeds, m["seed"].(float64))
	}
	if seeds[0] != seeds[1] {
		t.Fatalf("expected identical seed broadcast to both clients, got %v vs %v", seeds[0], seeds[1])
	}

	r.mu.RLock()
	deadCount := len(r.deadNPCIDs)
	npcSeed := r.npcSeed
	worldSeed := r.worldSeed
	r.mu.RUnlock()
	if deadCount != 0 {
		t.Fatalf("expected deadNpcIds cleared after map change, got %d entries", deadCount)
	}
	if npcSeed != worldSeed+1 {
		t.Fatalf("expected npcSeed = worldSeed+1, got npcSeed=%d worldSeed=%d", npcSeed, worldSeed)
	}
}

func TestDoubleEatIsIdempotent(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	p2 := r.AddPlayer(c2, "Bob")

	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{"t": protocol.TypeEatNPC, "npcId": "n-42"}))
	r.HandleMessage(p2.ID, frame(t, map[string]interface{}{"t": protocol.TypeEatNPC, "npcId": "n-42"}))

	deaths := 0
	for _, c := range []*fakeConn{c1, c2} {
		for _, m := range c.messages() {
			if int(m["t"].(float64)) == int(protocol.TypeNPCDeath) && m["npcId"] == "n-42" {
				deaths++
			}
		}
	}
	// Each client should see exactly one NPC_DEATH for n-42 (the broadcast
	// goes to all players including the eater), so 2 total across both
	// connections, never 4.
	if deaths != 2 {
		t.Fatalf("expected exactly 2 NPC_DEATH deliveries (1 per connection), got %d", deaths)
	}
}

func TestNPCSnapshotDroppedFromNonHost(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}
	r.AddPlayer(c1, "Alice") // host
	p2 := r.AddPlayer(c2, "Bob")

	before := len(c1.messages())
	r.HandleMessage(p2.ID, frame(t, map[string]interface{}{
		"t": protocol.TypeNPCSnapshot, "tick": 1, "fish": []int{1, 2},
	}))
	if len(c1.messages()) != before {
		t.Fatal("snapshot from non-host should not be relayed")
	}
}

func TestInvalidPositionLeavesStateUnchanged(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1 := &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")

	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{"t": protocol.TypePosition, "x": 1.0, "y": 2.0, "z": 3.0}))

	r.mu.RLock()
	before := r.players[p1.ID].Position
	r.mu.RUnlock()

	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{"t": protocol.TypePosition, "x": 5000.0, "y": 2.0, "z": 3.0}))

	r.mu.RLock()
	after := r.players[p1.ID].Position
	r.mu.RUnlock()

	if before != after {
		t.Fatalf("expected position unchanged after invalid update, before=%v after=%v", before, after)
	}
}

func TestCreatureUpdateInvalidLeavesStateUnchanged(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1 := &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{
		"t": protocol.TypeJoinGame, "creature": map[string]interface{}{"type": "fish", "class": "tuna", "seed": 1},
	}))

	before := len(c1.messages())
	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{
		"t": protocol.TypeCreatureUpdate, "creature": map[string]interface{}{"type": "", "class": ""},
	}))
	if len(c1.messages()) != before {
		t.Fatal("invalid creature update should not produce a broadcast")
	}

	r.mu.RLock()
	creature := r.players[p1.ID].Creature
	r.mu.RUnlock()
	if creature.Type != "fish" || creature.Class != "tuna" {
		t.Fatalf("expected creature to remain fish/tuna, got %+v", creature)
	}
}

func TestChatTruncationAndEmptyDrop(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	r.AddPlayer(c2, "Bob")

	longText := make([]byte, 5000)
	for i := range longText {
		longText[i] = 'a'
	}
	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{"t": protocol.TypeChat, "text": string(longText)}))

	chat := c2.last()
	if chat == nil || int(chat["t"].(float64)) != int(protocol.TypeChat) {
		t.Fatal("expected a CHAT relay")
	}
	if len(chat["text"].(string)) != 200 {
		t.Fatalf("expected truncation to 200 chars, got %d", len(chat["text"].(string)))
	}

	before := len(c2.messages())
	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{"t": protocol.TypeChat, "text": ""}))
	if len(c2.messages()) != before {
		t.Fatal("empty chat text should be dropped, not broadcast")
	}
}

func TestChatTruncationCountsRunesNotBytes(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	r.AddPlayer(c2, "Bob")

	// Each "海" is 3 bytes in UTF-8; 250 of them is 750 bytes but only 250
	// runes, so the cap must land at 200 runes, not bytes, and must never
	// split a multi-byte codepoint.
	runes := make([]rune, 250)
	for i := range runes {
		runes[i] = '海'
	}
	longText := string(runes)

	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{"t": protocol.TypeChat, "text": longText}))

	chat := c2.last()
	if chat == nil || int(chat["t"].(float64)) != int(protocol.TypeChat) {
		t.Fatal("expected a CHAT relay")
	}
	got := chat["text"].(string)
	if !utf8.ValidString(got) {
		t.Fatal("truncated chat text is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != 200 {
		t.Fatalf("expected truncation to 200 runes, got %d", n)
	}
}

func TestScaleBoundaries(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1 := &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")

	cases := []struct {
		scale float64
		want  float64
	}{
		{0, 1},       // rejected, stays at initial 1
		{100, 1},     // rejected
		{0.01, 0.01}, // accepted
		{99.9, 99.9}, // accepted
	}
	for _, c := range cases {
		r.HandleMessage(p1.ID, frame(t, map[string]interface{}{
			"t": protocol.TypePosition, "x": 0.0, "y": 0.0, "z": 0.0, "scale": c.scale,
		}))
		r.mu.RLock()
		got := r.players[p1.ID].Scale
		r.mu.RUnlock()
		if got != c.want {
			t.Errorf("scale %v: got %v, want %v", c.scale, got, c.want)
		}
	}
}

func TestSendFailureDoesNotStopBroadcast(t *testing.T) {
	r := newTestRoom("ocean_1")
	bad, good := &fakeConn{fail: true}, &fakeConn{}
	p1 := r.AddPlayer(bad, "Bad")
	r.AddPlayer(good, "Good")

	before := len(good.messages())
	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{"t": protocol.TypeRequestMapChange}))
	if len(good.messages()) != before+1 {
		t.Fatal("a failing send to one peer must not block broadcast to others")
	}
}

func TestTickBroadcastsOnlyInGamePlayers(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	r.AddPlayer(c2, "Bob") // never joins the game

	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{
		"t": protocol.TypeJoinGame, "creature": map[string]interface{}{"type": "fish", "class": "tuna", "seed": 1},
	}))

	r.tick()

	last := c1.last()
	if last == nil || int(last["t"].(float64)) != int(protocol.TypeBatchPositions) {
		t.Fatal("expected a BATCH_POSITIONS frame after tick")
	}
	records, _ := last["p"].([]interface{})
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 in-game player in batch, got %d", len(records))
	}
	rec := records[0].(map[string]interface{})
	if int(rec["id"].(float64)) != p1.ID {
		t.Fatalf("expected record for p1, got %v", rec["id"])
	}
}

func TestEmptyRoomHasNoHost(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1 := &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	r.RemovePlayer(p1.ID)

	r.mu.RLock()
	host := r.hostID
	n := len(r.players)
	r.mu.RUnlock()
	if n != 0 || host != 0 {
		t.Fatalf("expected empty room with no host, got players=%d host=%d", n, host)
	}
}

func TestPlayerIDsAreMonotonic(t *testing.T) {
	r := newTestRoom("ocean_1")
	last := 0
	for i := 0; i < 5; i++ {
		p := r.AddPlayer(&fakeConn{}, "P")
		if p.ID <= last {
			t.Fatalf("expected strictly increasing ids, got %d after %d", p.ID, last)
		}
		last = p.ID
	}
}

func TestDisplayNameTruncationCountsRunesNotBytes(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1 := &fakeConn{}

	runes := make([]rune, 30)
	for i := range runes {
		runes[i] = '猫'
	}
	p := r.AddPlayer(c1, string(runes))

	if !utf8.ValidString(p.DisplayName) {
		t.Fatal("truncated display name is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(p.DisplayName); n != 20 {
		t.Fatalf("expected truncation to 20 runes, got %d", n)
	}
}

func TestAbilityRelayExcludesSender(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	r.AddPlayer(c2, "Bob")

	before := len(c1.messages())
	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{
		"t": protocol.TypeAbilityStart, "ability": "sprinter",
	}))

	if len(c1.messages()) != before {
		t.Fatal("sender should not receive its own ABILITY_START relay")
	}
	ability := c2.last()
	if ability == nil || int(ability["t"].(float64)) != int(protocol.TypeAbilityStart) {
		t.Fatal("expected ABILITY_START relayed to the other player")
	}
	if int(ability["id"].(float64)) != p1.ID {
		t.Fatalf("expected relay id=%d, got %v", p1.ID, ability["id"])
	}
	if ability["ability"] != "sprinter" {
		t.Fatalf("expected ability=sprinter, got %v", ability["ability"])
	}
}

func TestAbilityInvalidIsDropped(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	r.AddPlayer(c2, "Bob")

	before := len(c2.messages())
	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{
		"t": protocol.TypeAbilityStart, "ability": "not-a-real-ability",
	}))
	if len(c2.messages()) != before {
		t.Fatal("an ability outside the closed set should not be relayed")
	}
}

func TestPrismPlaceAndRemoveRelay(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	r.AddPlayer(c2, "Bob")

	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{
		"t":          protocol.TypePrismPlace,
		"prismId":    "prism-1",
		"position":   map[string]interface{}{"x": 1.0, "y": 2.0, "z": 3.0},
		"quaternion": map[string]interface{}{"x": 0.0, "y": 0.0, "z": 0.0, "w": 1.0},
	}))

	placed := c2.last()
	if placed == nil || int(placed["t"].(float64)) != int(protocol.TypePrismPlace) {
		t.Fatal("expected PRISM_PLACE relayed to the other player")
	}
	if placed["prismId"] != "prism-1" {
		t.Fatalf("expected prismId=prism-1, got %v", placed["prismId"])
	}
	if int(placed["id"].(float64)) != p1.ID {
		t.Fatalf("expected placer id=%d, got %v", p1.ID, placed["id"])
	}

	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{
		"t": protocol.TypePrismRemove, "prismId": "prism-1",
	}))

	removed := c2.last()
	if removed == nil || int(removed["t"].(float64)) != int(protocol.TypePrismRemove) {
		t.Fatal("expected PRISM_REMOVE relayed to the other player")
	}
	if removed["prismId"] != "prism-1" {
		t.Fatalf("expected prismId=prism-1, got %v", removed["prismId"])
	}
}

func TestBackpressuredSendDoesNotStopBroadcast(t *testing.T) {
	r := newTestRoom("ocean_1")
	full, good := &fakeConn{sendErr: ErrSendBufferFull}, &fakeConn{}
	p1 := r.AddPlayer(full, "Full")
	r.AddPlayer(good, "Good")

	before := len(good.messages())
	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{"t": protocol.TypeRequestMapChange}))
	if len(good.messages()) != before+1 {
		t.Fatal("a backpressured send to one peer must not block broadcast to others")
	}
}

func TestPrismPlaceMissingFieldsDropped(t *testing.T) {
	r := newTestRoom("ocean_1")
	c1, c2 := &fakeConn{}, &fakeConn{}
	p1 := r.AddPlayer(c1, "Alice")
	r.AddPlayer(c2, "Bob")

	before := len(c2.messages())
	r.HandleMessage(p1.ID, frame(t, map[string]interface{}{
		"t": protocol.TypePrismPlace, "prismId": "prism-2",
	}))
	if len(c2.messages()) != before {
		t.Fatal("a PRISM_PLACE missing position/quaternion should not be relayed")
	}
}
