package app

import (
	"errors"

	intrnl "staypresence/internal"
)

// RunWatch launches the watch TUI with the provided configuration.
func RunWatch(cfg WatchConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.Token == "" {
		return errors.New("token is required")
	}
	rooms, err := intrnl.ParseRoomArgs(cfg.Rooms)
	if err != nil {
		return err
	}
	return intrnl.RunWatch(cfg.ServerURL, cfg.Token, rooms)
}
