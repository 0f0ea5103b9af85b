package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorldDirectory queries a radio-browser style directory service and picks
// stations uniformly at random from its working set. The set is cached and
// refreshed lazily; a failed refresh keeps serving the stale set.
type WorldDirectory struct {
	base   string
	client *http.Client
	ttl    time.Duration
	log    zerolog.Logger

	mu        sync.Mutex
	cache     []Station
	fetchedAt time.Time
}

// NewWorldDirectory builds a directory client against the configured base
// URL (".../json" without a trailing slash).
func NewWorldDirectory(cfg *Config, log zerolog.Logger) *WorldDirectory {
	return &WorldDirectory{
		base:   strings.TrimRight(cfg.WorldRadioBase, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    cfg.ProgramInterval,
		log:    log.With().Str("component", "worldradio").Logger(),
	}
}

// RandomStation returns a uniformly random station from the directory's
// working set, refreshing the set when it has gone stale.
func (w *WorldDirectory) RandomStation() (Station, error) {
	stations, err := w.workingSet()
	if err != nil {
		return Station{}, err
	}
	return stations[rand.Intn(len(stations))], nil
}

func (w *WorldDirectory) workingSet() ([]Station, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.cache) > 0 && time.Since(w.fetchedAt) < w.ttl {
		return w.cache, nil
	}

	stations, err := w.fetch()
	if err != nil {
		if len(w.cache) > 0 {
			w.log.Warn().Err(err).Msg("directory refresh failed, reusing stale set")
			return w.cache, nil
		}
		return nil, fmt.Errorf("%w: world directory: %v", ErrStationUnresolvable, err)
	}
	w.cache = stations
	w.fetchedAt = time.Now()
	return w.cache, nil
}

// directoryEntry is the subset of the radio-browser station record we use.
type directoryEntry struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	URLResolved string `json:"url_resolved"`
	Favicon     string `json:"favicon"`
}

func (w *WorldDirectory) fetch() ([]Station, error) {
	query := url.Values{
		"limit":      {"200"},
		"hidebroken": {"true"},
	}
	endpoint := w.base + "/stations/search?" + query.Encode()
	resp, err := w.client.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to query directory: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory response: %w", err)
	}

	var entries []directoryEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse directory response: %w", err)
	}

	var stations []Station
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		stream := strings.TrimSpace(e.URLResolved)
		if stream == "" {
			stream = strings.TrimSpace(e.URL)
		}
		if name == "" || stream == "" {
			continue
		}
		stations = append(stations, Station{
			ID:        name,
			Name:      name,
			StreamURL: stream,
			ImageURL:  strings.TrimSpace(e.Favicon),
			Source:    ModeWorld,
		})
	}
	if len(stations) == 0 {
		return nil, fmt.Errorf("directory returned no usable stations")
	}
	w.log.Debug().Int("stations", len(stations)).Msg("directory working set refreshed")
	return stations, nil
}
