// Package protocol defines the wire message taxonomy for the ocean server
// and the validators the room layer applies before any state change.
package protocol

// Type is the integer tag carried by every message under the short key "t".
// The space is organised by decade, matching the client's own grouping.
type Type int

// TypeInvalid is never sent on the wire; PeekType returns it when a frame
// fails to parse or carries no recognisable type tag.
const TypeInvalid Type = -1

const (
	// Connection lifecycle (1-9)
	TypeWelcome     Type = 1
	TypePlayerJoin  Type = 2
	TypePlayerLeave Type = 3
	TypePing        Type = 4
	TypePong        Type = 5

	// Movement (10-19)
	TypePosition       Type = 10
	TypeBatchPositions Type = 11

	// Creature (20-29)
	TypeJoinGame       Type = 20
	TypeCreatureUpdate Type = 21
	TypeSizeUpdate     Type = 22

	// NPCs (30-39)
	TypeNPCSpawn      Type = 30
	TypeNPCBatchSpawn Type = 31
	TypeNPCDeath      Type = 32
	TypeEatNPC        Type = 33
	TypeNPCSnapshot   Type = 34
	TypeHostAssigned  Type = 35
	TypeHostChanged   Type = 36

	// PvP (40-49)
	TypeEatPlayer     Type = 40
	TypePlayerEaten   Type = 41
	TypePlayerDied    Type = 42
	TypePlayerRespawn Type = 43

	// SWITCH_ROOM is enumerated in the design notes but has no handler;
	// the front-end admits a joiner to exactly one room for life.
	TypeSwitchRoom Type = 62

	// World sync (70-79)
	TypeRequestMapChange Type = 70
	TypeMapChange        Type = 71

	// Abilities (80-89)
	TypeAbilityStart Type = 80
	TypeAbilityStop  Type = 81

	// Structures / chat (90-99)
	TypePrismPlace  Type = 90
	TypePrismRemove Type = 91
	TypeChat        Type = 92
)

// lifecycleTypes are the outbound messages a dropped delivery would corrupt
// a client's view of room membership or host state, not just its view of
// one tick's transient data. Connections give these priority over
// high-frequency traffic like BATCH_POSITIONS or CHAT.
var lifecycleTypes = map[Type]bool{
	TypeWelcome:      true,
	TypePlayerJoin:   true,
	TypePlayerLeave:  true,
	TypeHostAssigned: true,
	TypeHostChanged:  true,
	TypeMapChange:    true,
}

// IsLifecycleType reports whether t is one of the outbound messages that
// must not be silently dropped under backpressure.
func IsLifecycleType(t Type) bool {
	return lifecycleTypes[t]
}

// abilities is the closed set a client may name in ABILITY_START/STOP.
var abilities = map[string]bool{
	"sprinter": true,
	"stacker":  true,
	"camper":   true,
	"attacker": true,
}

// IsValidAbility reports whether name is one of the closed ability set.
func IsValidAbility(name string) bool {
	return abilities[name]
}
