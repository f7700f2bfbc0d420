// Package main runs the ocean server: it accepts WebSocket connections,
// groups clients into bounded rooms, and forwards position telemetry,
// NPC snapshots, and game-action events between the players of each room.
//
// Connection flow:
//  1. Client opens a WebSocket to any path with optional ?room=&name=
//  2. Server admits the connection to a room (existing or new) and sends
//     WELCOME with the room's seeds, host id, and current player list.
//  3. Client sends JOIN_GAME once it has picked a creature; the server
//     broadcasts PLAYER_JOIN to the rest of the room.
//  4. The room's tick loop folds every in-game player's position into a
//     periodic BATCH_POSITIONS broadcast.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/oceandepths/gameserver/internal/config"
	"github.com/oceandepths/gameserver/internal/roommanager"
	"github.com/oceandepths/gameserver/internal/server"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	cfg := config.Load()

	entry.WithFields(logrus.Fields{
		"port":              cfg.Port,
		"maxPlayersPerRoom": cfg.MaxPlayersPerRoom,
		"minRooms":          cfg.MinRooms,
		"tickRateHz":        cfg.TickRate,
	}).Info("ocean server starting")

	mgr := roommanager.New(cfg.MaxPlayersPerRoom, cfg.MinRooms, cfg.TickRate, entry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.Start(ctx)

	srv := server.New(cfg, mgr, entry)

	if err := srv.ListenAndServe(ctx); err != nil {
		entry.WithError(err).Error("server error")
		mgr.Shutdown()
		os.Exit(1)
	}

	mgr.Shutdown()
	entry.Info("ocean server stopped cleanly")
}
