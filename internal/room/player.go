package room

import (
	"errors"
	"strings"
	"time"

	"github.com/oceandepths/gameserver/internal/protocol"
)

// ErrSendBufferFull is returned by Connection.Send when a frame could not be
// queued because the connection's outbound buffer is full. It is distinct
// from a hard connection error so the room can log and count the drop
// instead of mistaking backpressure for a clean send.
var ErrSendBufferFull = errors.New("send buffer full")

// Connection is the outbound stream a Player borrows to send frames. The
// room never closes it except during room destruction; ownership stays
// with the front-end that accepted it.
type Connection interface {
	Send(data []byte) error
	Close() error
	RemoteAddr() string
}

// Player is one connected participant in one room. It is addressed and
// mutated exclusively through its owning Room; nothing outside the room
// package writes its fields directly.
type Player struct {
	ID          int
	DisplayName string

	Position [3]float64
	Rotation [3]float64
	Scale    float64
	Creature *protocol.Creature
	InGame   bool

	LastUpdate time.Time

	Conn Connection
}

func newPlayer(id int, name string, conn Connection) *Player {
	return &Player{
		ID:          id,
		DisplayName: trimName(name),
		Position:    [3]float64{0, 10, 0},
		Rotation:    [3]float64{0, 0, 0},
		Scale:       1,
		Creature:    nil,
		InGame:      false,
		LastUpdate:  time.Now(),
		Conn:        conn,
	}
}

// trimName caps a display name at 20 characters after trimming whitespace.
// The cap is measured in runes, not bytes, so a multi-byte name is never
// sliced mid-codepoint.
func trimName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Player"
	}
	if runes := []rune(name); len(runes) > 20 {
		name = string(runes[:20])
	}
	return name
}
