package protocol

import (
	"encoding/json"
	"math"
)

// tagOnly is used to peek at a frame's type tag without committing to any
// particular payload shape.
type tagOnly struct {
	T *float64 `json:"t"`
}

// PeekType extracts the type tag from a raw frame. It returns TypeInvalid
// only on a genuine parse failure or a missing/non-numeric "t" field; an
// unrecognised-but-well-formed tag is returned as-is, since dispatching on
// an unknown type (log once, drop) is the room's job, not the decoder's.
func PeekType(data []byte) Type {
	var tag tagOnly
	if err := json.Unmarshal(data, &tag); err != nil || tag.T == nil {
		return TypeInvalid
	}
	return Type(*tag.T)
}

// Encode marshals any outbound message struct into its wire frame.
// Marshal failures on our own typed structs are a programming error, not a
// runtime condition the caller needs to branch on; the caller should treat
// a nil result as "nothing to send".
func Encode(msg interface{}) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}

// ErrMalformed is returned by Parse* functions when the payload is missing
// a required field or carries one of the wrong shape.
type ErrMalformed struct {
	reason string
}

func (e *ErrMalformed) Error() string { return e.reason }

func malformed(reason string) error { return &ErrMalformed{reason: reason} }

// ParsePosition decodes a POSITION frame.
func ParsePosition(data []byte) (PositionIn, error) {
	var m PositionIn
	if err := json.Unmarshal(data, &m); err != nil {
		return m, malformed("invalid position payload")
	}
	return m, nil
}

// ParseJoinGame decodes a JOIN_GAME frame.
func ParseJoinGame(data []byte) (JoinGameIn, error) {
	var m JoinGameIn
	if err := json.Unmarshal(data, &m); err != nil {
		return m, malformed("invalid join_game payload")
	}
	return m, nil
}

// ParseCreatureUpdate decodes a CREATURE_UPDATE frame.
func ParseCreatureUpdate(data []byte) (CreatureUpdateIn, error) {
	var m CreatureUpdateIn
	if err := json.Unmarshal(data, &m); err != nil {
		return m, malformed("invalid creature_update payload")
	}
	return m, nil
}

// ParsePing decodes a PING frame.
func ParsePing(data []byte) (PingIn, error) {
	var m PingIn
	if err := json.Unmarshal(data, &m); err != nil {
		return m, malformed("invalid ping payload")
	}
	return m, nil
}

// ParseEatNPC decodes an EAT_NPC frame.
func ParseEatNPC(data []byte) (EatNPCIn, error) {
	var m EatNPCIn
	if err := json.Unmarshal(data, &m); err != nil {
		return m, malformed("invalid eat_npc payload")
	}
	return m, nil
}

// ParseNPCSnapshot decodes an NPC_SNAPSHOT frame.
func ParseNPCSnapshot(data []byte) (NPCSnapshotIn, error) {
	var m NPCSnapshotIn
	if err := json.Unmarshal(data, &m); err != nil {
		return m, malformed("invalid npc_snapshot payload")
	}
	return m, nil
}

// ParseAbility decodes an ABILITY_START/ABILITY_STOP frame.
func ParseAbility(data []byte) (AbilityIn, error) {
	var m AbilityIn
	if err := json.Unmarshal(data, &m); err != nil {
		return m, malformed("invalid ability payload")
	}
	return m, nil
}

// ParsePrismPlace decodes a PRISM_PLACE frame.
func ParsePrismPlace(data []byte) (PrismPlaceIn, error) {
	var m PrismPlaceIn
	if err := json.Unmarshal(data, &m); err != nil {
		return m, malformed("invalid prism_place payload")
	}
	return m, nil
}

// ParsePrismRemove decodes a PRISM_REMOVE frame.
func ParsePrismRemove(data []byte) (PrismRemoveIn, error) {
	var m PrismRemoveIn
	if err := json.Unmarshal(data, &m); err != nil {
		return m, malformed("invalid prism_remove payload")
	}
	return m, nil
}

// ParseChat decodes a CHAT frame.
func ParseChat(data []byte) (ChatIn, error) {
	var m ChatIn
	if err := json.Unmarshal(data, &m); err != nil {
		return m, malformed("invalid chat payload")
	}
	return m, nil
}

// --- validators (§4.1) ---

// IsValidPosition reports whether p is finite and within the world's
// absolute bounds: |x|,|z| <= 1000, |y| <= 100.
func IsValidPosition(x, y, z float64) bool {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsNaN(z) {
		return false
	}
	if math.IsInf(x, 0) || math.IsInf(y, 0) || math.IsInf(z, 0) {
		return false
	}
	if math.Abs(x) > 1000 || math.Abs(z) > 1000 {
		return false
	}
	if math.Abs(y) > 100 {
		return false
	}
	return true
}

// IsValidScale reports whether s is strictly within (0, 100).
func IsValidScale(s float64) bool {
	return s > 0 && s < 100
}

// IsValidCreature reports whether c has non-empty type/class strings. Seed
// is an integer already by virtue of the struct's type, so it needs no
// further check.
func IsValidCreature(c Creature) bool {
	return c.Type != "" && c.Class != ""
}

// IsValidNPCSnapshot reports whether s carries a fish payload; element
// shape inside Fish is intentionally not re-validated (performance).
func IsValidNPCSnapshot(s NPCSnapshotIn) bool {
	return len(s.Fish) > 0
}
