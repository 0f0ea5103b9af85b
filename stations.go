package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// Mode selects where stations come from: the curated list shipped on disk,
// or ad-hoc picks from the world radio directory.
type Mode string

const (
	ModeCurated Mode = "curated"
	ModeWorld   Mode = "world"
)

// Station describes a playable audio source. A station with a fixed
// StreamURL is played directly; otherwise the stream is resolved upstream.
type Station struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StreamURL string `json:"stream_url,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Source    Mode   `json:"-"`
}

// Label returns the display name, falling back to the identifier.
func (s Station) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// LoadStations reads the curated station list from path.
func LoadStations(path string) ([]Station, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stations file: %w", err)
	}
	var stations []Station
	if err := json.Unmarshal(data, &stations); err != nil {
		return nil, fmt.Errorf("failed to parse stations file: %w", err)
	}
	out := stations[:0]
	for _, st := range stations {
		if st.ID == "" {
			continue
		}
		st.Source = ModeCurated
		out = append(out, st)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no stations configured in %s", path)
	}
	return out, nil
}

// SaveStations writes the station list to path, for the regeneration
// one-shot mode.
func SaveStations(path string, stations []Station) error {
	data, err := json.MarshalIndent(stations, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stations: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write stations file: %w", err)
	}
	return nil
}

// Registry holds the ordered curated list with its cursor, and the current
// world-mode pick. It is exclusively owned by the session controller loop;
// none of its methods are safe for concurrent use.
type Registry struct {
	curated []Station
	cursor  int
	mode    Mode
	world   *WorldDirectory
	worldSt *Station
}

// NewRegistry builds a registry over the curated list, starting in curated
// mode at the first entry.
func NewRegistry(curated []Station, world *WorldDirectory) *Registry {
	return &Registry{
		curated: curated,
		mode:    ModeCurated,
		world:   world,
	}
}

// Mode returns the active sourcing mode.
func (r *Registry) Mode() Mode {
	return r.mode
}

// Len returns the curated list length.
func (r *Registry) Len() int {
	return len(r.curated)
}

// Current returns the descriptor at the cursor, or the current world pick.
// ok is false in world mode before the first pick.
func (r *Registry) Current() (Station, bool) {
	if r.mode == ModeWorld {
		if r.worldSt == nil {
			return Station{}, false
		}
		return *r.worldSt, true
	}
	return r.curated[r.cursor], true
}

// Next advances the curated cursor (wrapping), or picks a fresh random world
// station.
func (r *Registry) Next() (Station, error) {
	if r.mode == ModeWorld {
		return r.pickWorld()
	}
	r.cursor = (r.cursor + 1) % len(r.curated)
	return r.curated[r.cursor], nil
}

// Previous moves the curated cursor back (wrapping), or picks a fresh random
// world station — the directory has no stable ordering to walk.
func (r *Registry) Previous() (Station, error) {
	if r.mode == ModeWorld {
		return r.pickWorld()
	}
	r.cursor = (r.cursor - 1 + len(r.curated)) % len(r.curated)
	return r.curated[r.cursor], nil
}

func (r *Registry) pickWorld() (Station, error) {
	if r.world == nil {
		return Station{}, fmt.Errorf("%w: world directory not configured", ErrStationUnresolvable)
	}
	st, err := r.world.RandomStation()
	if err != nil {
		return Station{}, err
	}
	r.worldSt = &st
	return st, nil
}

// SetMode switches the sourcing mode. The state of the mode being left is
// kept, so toggling back is cheap.
func (r *Registry) SetMode(mode Mode) {
	if mode == ModeCurated || mode == ModeWorld {
		r.mode = mode
	}
}

// ToggleMode flips between curated and world mode and returns the new mode.
func (r *Registry) ToggleMode() Mode {
	if r.mode == ModeCurated {
		r.mode = ModeWorld
	} else {
		r.mode = ModeCurated
	}
	return r.mode
}

// SeekID moves the curated cursor to the station with the given identifier.
// Returns false, leaving the cursor at the first entry, when the id is gone.
func (r *Registry) SeekID(id string) bool {
	for i, st := range r.curated {
		if st.ID == id {
			r.cursor = i
			return true
		}
	}
	r.cursor = 0
	return false
}

// CuratedCurrent returns the curated entry at the cursor regardless of the
// active mode, so the cursor position survives a stint in world mode.
func (r *Registry) CuratedCurrent() Station {
	return r.curated[r.cursor]
}

// SetWorldStation installs a restored world-mode pick without a directory
// lookup.
func (r *Registry) SetWorldStation(st Station) {
	st.Source = ModeWorld
	r.worldSt = &st
}
