package protocol

import "encoding/json"

// Vec3 is a 3-tuple of finite numbers used for position and rotation.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is a 4-component rotation used by PRISM_PLACE.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Creature describes the bound creature of a player.
type Creature struct {
	Type    string `json:"type"`
	Class   string `json:"class"`
	Variant int    `json:"variant"`
	Seed    int64  `json:"seed"`
}

// PlayerSnapshot is the view of another in-game player sent in WELCOME and
// PLAYER_JOIN.
type PlayerSnapshot struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Position Vec3     `json:"position"`
	Rotation Vec3     `json:"rotation"`
	Scale    float64  `json:"scale"`
	Creature Creature `json:"creature"`
}

// PositionRecord is one row of a BATCH_POSITIONS tick sample.
type PositionRecord struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	RX float64 `json:"rx"`
	RY float64 `json:"ry"`
	RZ float64 `json:"rz"`
	S  float64 `json:"s"`
}

// --- inbound (client -> server) payloads ---

// PositionIn is the high-rate client position update. Rotation fields are
// pointers so an omitted field is distinguishable from an explicit 0; the
// room always writes RX/RY/RZ from them, treating a missing field as 0
// rather than "unchanged". Scale is only applied when present and valid,
// so it stays a pointer the room checks before writing.
type PositionIn struct {
	T     int      `json:"t"`
	X     float64  `json:"x"`
	Y     float64  `json:"y"`
	Z     float64  `json:"z"`
	RX    *float64 `json:"rx"`
	RY    *float64 `json:"ry"`
	RZ    *float64 `json:"rz"`
	Scale *float64 `json:"scale"`
}

// JoinGameIn is sent once a player selects a creature and enters play.
type JoinGameIn struct {
	T        int      `json:"t"`
	Creature Creature `json:"creature"`
	Name     *string  `json:"name"`
}

// CreatureUpdateIn carries a replacement creature binding.
type CreatureUpdateIn struct {
	T        int      `json:"t"`
	Creature Creature `json:"creature"`
}

// PingIn is a latency probe; ClientTime is echoed back verbatim in PONG.
type PingIn struct {
	T          int   `json:"t"`
	ClientTime int64 `json:"clientTime"`
}

// EatNPCIn reports a client-observed NPC kill.
type EatNPCIn struct {
	T     int    `json:"t"`
	NPCID string `json:"npcId"`
}

// NPCSnapshotIn is the host's frame of simulated NPC state. The server
// never inspects Fish beyond confirming it is present.
type NPCSnapshotIn struct {
	T    int             `json:"t"`
	Tick int64           `json:"tick"`
	Fish json.RawMessage `json:"fish"`
}

// AbilityIn covers both ABILITY_START and ABILITY_STOP.
type AbilityIn struct {
	T         int      `json:"t"`
	Ability   string   `json:"ability"`
	Color     *string  `json:"color"`
	Terrain   *string  `json:"terrain"`
	MimicSeed *float64 `json:"mimicSeed"`
}

// PrismPlaceIn places a structure in the world.
type PrismPlaceIn struct {
	T          int        `json:"t"`
	PrismID    string     `json:"prismId"`
	Position   *Vec3      `json:"position"`
	Quaternion *Quaternion `json:"quaternion"`
	Length     *float64   `json:"length"`
	Radius     *float64   `json:"radius"`
	Color      *string    `json:"color"`
	Roughness  *float64   `json:"roughness"`
	Metalness  *float64   `json:"metalness"`
	Emissive   *string    `json:"emissive"`
}

// PrismRemoveIn removes a previously-placed structure.
type PrismRemoveIn struct {
	T       int    `json:"t"`
	PrismID string `json:"prismId"`
}

// ChatIn is a chat line from a client.
type ChatIn struct {
	T             int     `json:"t"`
	Text          string  `json:"text"`
	IsEmoji       *bool   `json:"isEmoji"`
	ShowProximity *bool   `json:"showProximity"`
}

// --- outbound (server -> client) payloads ---

// Welcome is sent once to a freshly-admitted connection.
type Welcome struct {
	T          int              `json:"t"`
	ID         int              `json:"id"`
	RoomID     string           `json:"roomId"`
	WorldSeed  uint32           `json:"worldSeed"`
	NPCSeed    uint32           `json:"npcSeed"`
	HostID     int              `json:"hostId"`
	IsHost     bool             `json:"isHost"`
	Players    []PlayerSnapshot `json:"players"`
	DeadNPCIDs []string         `json:"deadNpcIds"`
}

// PlayerJoin is broadcast when a connected player binds a creature and
// enters play.
type PlayerJoin struct {
	T        int      `json:"t"`
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Position Vec3     `json:"position"`
	Rotation Vec3     `json:"rotation"`
	Scale    float64  `json:"scale"`
	Creature Creature `json:"creature"`
}

// PlayerLeave is broadcast when a player disconnects.
type PlayerLeave struct {
	T  int `json:"t"`
	ID int `json:"id"`
}

// Pong answers a PING directly to the sender.
type Pong struct {
	T          int   `json:"t"`
	ClientTime int64 `json:"clientTime"`
	ServerTime int64 `json:"serverTime"`
}

// BatchPositions is the per-tick position sample for every in-game player.
type BatchPositions struct {
	T    int              `json:"t"`
	Time int64            `json:"time"`
	P    []PositionRecord `json:"p"`
}

// CreatureUpdateOut relays a creature change to the rest of the room.
type CreatureUpdateOut struct {
	T        int      `json:"t"`
	ID       int      `json:"id"`
	Creature Creature `json:"creature"`
}

// NPCDeath confirms an NPC kill to the whole room, including the eater.
type NPCDeath struct {
	T       int    `json:"t"`
	NPCID   string `json:"npcId"`
	EatenBy int    `json:"eatenBy"`
}

// NPCSnapshotOut relays the host's NPC frame to everyone else.
type NPCSnapshotOut struct {
	T    int             `json:"t"`
	Tick int64           `json:"tick"`
	Fish json.RawMessage `json:"fish"`
}

// HostAssigned is sent directly to a newly elected host.
type HostAssigned struct {
	T      int  `json:"t"`
	IsHost bool `json:"isHost"`
}

// HostChanged is broadcast to everyone except the newly elected host.
type HostChanged struct {
	T      int `json:"t"`
	HostID int `json:"hostId"`
}

// AbilityOut relays an ability start/stop to the rest of the room.
type AbilityOut struct {
	T         int      `json:"t"`
	ID        int      `json:"id"`
	Ability   string   `json:"ability"`
	Color     *string  `json:"color,omitempty"`
	Terrain   *string  `json:"terrain,omitempty"`
	MimicSeed *float64 `json:"mimicSeed,omitempty"`
}

// PrismPlaceOut relays a placed structure to the rest of the room.
type PrismPlaceOut struct {
	T          int        `json:"t"`
	ID         int        `json:"id"`
	PrismID    string     `json:"prismId"`
	Position   Vec3       `json:"position"`
	Quaternion Quaternion `json:"quaternion"`
	Length     *float64   `json:"length,omitempty"`
	Radius     *float64   `json:"radius,omitempty"`
	Color      *string    `json:"color,omitempty"`
	Roughness  *float64   `json:"roughness,omitempty"`
	Metalness  *float64   `json:"metalness,omitempty"`
	Emissive   *string    `json:"emissive,omitempty"`
}

// PrismRemoveOut relays a structure removal to the rest of the room.
type PrismRemoveOut struct {
	T       int    `json:"t"`
	ID      int    `json:"id"`
	PrismID string `json:"prismId"`
}

// ChatOut relays a chat line to the rest of the room.
type ChatOut struct {
	T             int    `json:"t"`
	SenderID      int    `json:"senderId"`
	Sender        string `json:"sender"`
	Text          string `json:"text"`
	IsEmoji       bool   `json:"isEmoji"`
	ShowProximity bool   `json:"showProximity"`
}

// MapChange is broadcast to everyone, including the requester, after a
// REQUEST_MAP_CHANGE is processed.
type MapChange struct {
	T           int    `json:"t"`
	Seed        uint32 `json:"seed"`
	RequestedBy int    `json:"requestedBy"`
}
