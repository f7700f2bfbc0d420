// Package config loads the server's environment-driven settings, in the
// teacher's DefaultServerConfig-then-override style.
package config

import (
	"os"
	"strconv"
)

// Defaults, matching spec.md §6 and §4.3.
const (
	DefaultPort              = 9001
	DefaultMaxPlayersPerRoom = 100
	DefaultMinRooms          = 1
	DefaultTickRate          = 20
)

// ServerConfig holds the process's environment-derived settings.
type ServerConfig struct {
	Port              int
	MaxPlayersPerRoom int
	MinRooms          int
	TickRate          int
	EnableCORS        bool
}

// Default returns the built-in defaults, before any environment override.
func Default() *ServerConfig {
	return &ServerConfig{
		Port:              DefaultPort,
		MaxPlayersPerRoom: DefaultMaxPlayersPerRoom,
		MinRooms:          DefaultMinRooms,
		TickRate:          DefaultTickRate,
		EnableCORS:        true,
	}
}

// Load reads PORT, MAX_PLAYERS_PER_ROOM, MIN_ROOMS and ENABLE_CORS from
// the environment, falling back to defaults for anything unset or
// unparseable.
func Load() *ServerConfig {
	cfg := Default()

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if max := os.Getenv("MAX_PLAYERS_PER_ROOM"); max != "" {
		if m, err := strconv.Atoi(max); err == nil && m > 0 {
			cfg.MaxPlayersPerRoom = m
		}
	}
	if min := os.Getenv("MIN_ROOMS"); min != "" {
		if m, err := strconv.Atoi(min); err == nil && m >= 0 {
			cfg.MinRooms = m
		}
	}
	if cors := os.Getenv("ENABLE_CORS"); cors == "false" {
		cfg.EnableCORS = false
	}

	return cfg
}
