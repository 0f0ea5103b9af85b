package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// PersistedSession is the durable record of the last committed selection.
// It is read once at startup and rewritten after every committed change.
// World-mode picks carry the full descriptor so a restart does not need a
// directory lookup.
type PersistedSession struct {
	Mode          Mode   `json:"mode"`
	StationID     string `json:"station_id,omitempty"`
	WorldName     string `json:"world_name,omitempty"`
	WorldURL      string `json:"world_url,omitempty"`
	WorldImageURL string `json:"world_image_url,omitempty"`
}

// StateStore reads and atomically rewrites the session state file.
type StateStore struct {
	path string
	log  zerolog.Logger
}

// NewStateStore builds a store over the configured state file path.
func NewStateStore(path string, log zerolog.Logger) *StateStore {
	return &StateStore{
		path: path,
		log:  log.With().Str("component", "state").Logger(),
	}
}

// Load reads the persisted session. A missing file is not an error; it
// returns (nil, nil) and the caller falls back to defaults.
func (s *StateStore) Load() (*PersistedSession, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrPersistence, s.path, err)
	}
	var ps PersistedSession
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrPersistence, s.path, err)
	}
	if ps.Mode != ModeCurated && ps.Mode != ModeWorld {
		ps.Mode = ModeCurated
	}
	return &ps, nil
}

// Save atomically rewrites the state file (temp file, fsync, rename) so a
// power cut never leaves a torn record.
func (s *StateStore) Save(ps PersistedSession) error {
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal session: %v", ErrPersistence, err)
	}

	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: failed to create pending state file: %v", ErrPersistence, err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.log.Debug().Err(err).Msg("cleanup pending state file")
		}
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("%w: failed to write state: %v", ErrPersistence, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: failed to replace state file: %v", ErrPersistence, err)
	}
	return nil
}
