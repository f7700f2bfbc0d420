package roommanager

import (
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

type fakeConn struct{ closed bool }

func (c *fakeConn) Send(data []byte) error { return nil }
func (c *fakeConn) Close() error           { c.closed = true; return nil }
func (c *fakeConn) RemoteAddr() string     { return "test" }

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestNewSeedsMinRoomsFloor(t *testing.T) {
	mgr := New(10, 3, 20, testLogger())
	if len(mgr.rooms) != 3 {
		t.Fatalf("expected 3 rooms at startup, got %d", len(mgr.rooms))
	}
}

func TestFindRoomPreferredIDWithCapacity(t *testing.T) {
	mgr := New(10, 1, 20, testLogger())
	preferred := mgr.CreateRoom("my-room")
	preferred.AddPlayer(&fakeConn{}, "a")

	got := mgr.FindRoom("my-room")
	if got != preferred {
		t.Fatal("expected preferred room to be returned when it has capacity")
	}
}

func TestFindRoomPreferredIDFullFallsBackToScoring(t *testing.T) {
	mgr := New(2, 1, 20, testLogger())
	full := mgr.CreateRoom("full-room")
	full.AddPlayer(&fakeConn{}, "a")
	full.AddPlayer(&fakeConn{}, "b")

	got := mgr.FindRoom("full-room")
	if got == full {
		t.Fatal("expected fallback away from a full preferred room")
	}
}

func TestFindRoomCapacityBalancedAdmission(t *testing.T) {
	// maxPlayersPerRoom=10: R1 has 9/10 (score 9*0.5=4.5), R2 has 7/10
	// (score 7, no penalty since 0.7 is not > 0.8). R2 should win.
	mgr := New(10, 1, 20, testLogger())
	r1 := mgr.CreateRoom("r1")
	r2 := mgr.CreateRoom("r2")
	for i := 0; i < 9; i++ {
		r1.AddPlayer(&fakeConn{}, fmt.Sprintf("a%d", i))
	}
	for i := 0; i < 7; i++ {
		r2.AddPlayer(&fakeConn{}, fmt.Sprintf("b%d", i))
	}

	got := mgr.FindRoom("")
	if got != r2 {
		t.Fatalf("expected joiner placed in r2 (score 7 > r1's 4.5)")
	}
}

func TestFindRoomCreatesWhenAllFull(t *testing.T) {
	mgr := New(1, 0, 20, testLogger())
	only := mgr.CreateRoom("only")
	only.AddPlayer(&fakeConn{}, "a") // fills the sole room (max 1)

	before := len(mgr.rooms)
	got := mgr.FindRoom("")
	if got == only {
		t.Fatal("expected a brand new room, not the full one")
	}
	if len(mgr.rooms) != before+1 {
		t.Fatalf("expected exactly one new room created, had %d now have %d", before, len(mgr.rooms))
	}
}

func TestHandleEmptyRoomRespectsFloor(t *testing.T) {
	mgr := New(10, 2, 20, testLogger())
	// exactly at the floor: handleEmptyRoom should be a no-op even though
	// it's invoked, since total(=2) is not > minRooms(=2).
	var ids []string
	for id := range mgr.rooms {
		ids = append(ids, id)
	}
	mgr.handleEmptyRoom(ids[0])
	if len(mgr.rooms) != 2 {
		t.Fatalf("expected floor to be respected, got %d rooms", len(mgr.rooms))
	}
}

func TestGetStatsAggregates(t *testing.T) {
	mgr := New(10, 1, 20, testLogger())
	r := mgr.CreateRoom("r1")
	r.AddPlayer(&fakeConn{}, "a")
	r.AddPlayer(&fakeConn{}, "b")

	stats := mgr.GetStats()
	if stats.TotalPlayers < 2 {
		t.Fatalf("expected at least 2 total players, got %d", stats.TotalPlayers)
	}
}

func TestGetRoomListSortedByPlayerCountDescending(t *testing.T) {
	mgr := New(10, 1, 20, testLogger())
	small := mgr.CreateRoom("small")
	big := mgr.CreateRoom("big")
	small.AddPlayer(&fakeConn{}, "a")
	big.AddPlayer(&fakeConn{}, "a")
	big.AddPlayer(&fakeConn{}, "b")
	big.AddPlayer(&fakeConn{}, "c")

	list := mgr.GetRoomList()
	for i := 1; i < len(list); i++ {
		if list[i-1].PlayerCount < list[i].PlayerCount {
			t.Fatalf("expected descending order, got %+v", list)
		}
	}
}

func TestShutdownDestroysAllRooms(t *testing.T) {
	mgr := New(10, 2, 20, testLogger())
	mgr.Shutdown()
	if len(mgr.rooms) != 0 {
		t.Fatalf("expected shutdown to destroy every room, got %d remaining", len(mgr.rooms))
	}
}
