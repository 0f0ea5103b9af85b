package main

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NowPlaying is the latest program/track snapshot for one station. Each
// successful poll supersedes it wholesale; a failed poll leaves the previous
// one in place.
type NowPlaying struct {
	StationID  string
	Title      string
	ArtworkURL string
	Artwork    []byte
	FetchedAt  time.Time
}

// Stale reports whether the snapshot is too old to show, relative to the
// poll interval and the configured multiplier.
func (np NowPlaying) Stale(now time.Time, interval time.Duration, multiplier int) bool {
	if np.FetchedAt.IsZero() {
		return true
	}
	return now.Sub(np.FetchedAt) > interval*time.Duration(multiplier)
}

// Program is one schedule entry, in station-local time.
type Program struct {
	Title    string
	ImageURL string
	Start    time.Time
	End      time.Time
}

// pollResult is posted into the controller loop. Results are tagged with the
// station and selection epoch they were fetched for so late arrivals for a
// superseded station can be discarded.
type pollResult struct {
	stationID string
	epoch     uint64
	np        NowPlaying
	err       error
}

type scheduleEntry struct {
	fetchedAt time.Time
	dateKey   string
	programs  []Program
}

// Poller periodically fetches now-playing data for whatever station the
// controller currently reports and posts the result back into its loop. It
// never resolves a station itself.
type Poller struct {
	cfg    *Config
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time
	loc    *time.Location

	// snapshot returns the current station, mode and selection epoch.
	snapshot func() (Station, Mode, uint64)
	// post delivers a pollResult to the controller loop.
	post func(pollResult)
	// backendTitle asks the playback backend for an ICY/media-server title,
	// used for streams that have no program schedule.
	backendTitle func() string

	kick chan struct{}

	mu       sync.Mutex
	inFlight bool
	schedule map[string]scheduleEntry
	artwork  map[string]NowPlaying
}

// NewPoller builds a metadata poller. The snapshot, post and backendTitle
// hooks come from the session controller wiring.
func NewPoller(cfg *Config, log zerolog.Logger, snapshot func() (Station, Mode, uint64), post func(pollResult), backendTitle func() string) *Poller {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		loc = time.FixedZone("JST", 9*60*60)
	}
	return &Poller{
		cfg:          cfg,
		client:       &http.Client{Timeout: 5 * time.Second},
		log:          log.With().Str("component", "metadata").Logger(),
		now:          time.Now,
		loc:          loc,
		snapshot:     snapshot,
		post:         post,
		backendTitle: backendTitle,
		kick:         make(chan struct{}, 1),
		schedule:     make(map[string]scheduleEntry),
		artwork:      make(map[string]NowPlaying),
	}
}

// Kick requests an immediate out-of-cycle poll, used on station changes so
// the display does not wait for the next tick.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drives the poll loop until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.MetadataInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.kick:
		case <-ticker.C:
		}
		p.pollOnce(ctx)
	}
}

// pollOnce fetches metadata for the current station on its own goroutine.
// Only one fetch runs at a time; overlapping triggers are dropped.
func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	station, mode, epoch := p.snapshot()
	go func() {
		defer func() {
			p.mu.Lock()
			p.inFlight = false
			p.mu.Unlock()
		}()
		np, err := p.fetch(ctx, station, mode)
		p.post(pollResult{stationID: station.ID, epoch: epoch, np: np, err: err})
	}()
}

func (p *Poller) fetch(ctx context.Context, station Station, mode Mode) (NowPlaying, error) {
	if mode == ModeWorld {
		// Directory streams have no schedule; the media-server/ICY title is
		// the best available.
		np := NowPlaying{
			StationID: station.ID,
			Title:     strings.TrimSpace(p.backendTitle()),
			FetchedAt: p.now(),
		}
		return p.withArtwork(ctx, np, station.ImageURL), nil
	}

	program, err := p.currentProgram(ctx, station.ID)
	if err != nil {
		return NowPlaying{}, fmt.Errorf("%w: %s: %v", ErrMetadataUnavailable, station.ID, err)
	}
	np := NowPlaying{
		StationID: station.ID,
		Title:     program.Title,
		FetchedAt: p.now(),
	}
	return p.withArtwork(ctx, np, program.ImageURL), nil
}

// currentProgram returns the schedule entry covering now, fetching the daily
// schedule when the cached one is missing or expired.
func (p *Poller) currentProgram(ctx context.Context, stationID string) (Program, error) {
	now := p.now().In(p.loc)
	dateKey := now.Format("20060102")

	p.mu.Lock()
	entry, ok := p.schedule[stationID]
	p.mu.Unlock()

	if !ok || entry.dateKey != dateKey || p.now().Sub(entry.fetchedAt) >= p.cfg.ProgramInterval {
		programs, err := p.fetchSchedule(ctx, stationID, dateKey)
		if err != nil {
			return Program{}, err
		}
		entry = scheduleEntry{fetchedAt: p.now(), dateKey: dateKey, programs: programs}
		p.mu.Lock()
		p.schedule[stationID] = entry
		p.mu.Unlock()
	}

	for _, prog := range entry.programs {
		if !prog.Start.After(now) && now.Before(prog.End) {
			return prog, nil
		}
	}
	return Program{}, fmt.Errorf("no program covers %s", now.Format(time.RFC3339))
}

// programXML mirrors the daily schedule document.
type programXML struct {
	Progs []struct {
		Ft    string `xml:"ft,attr"`
		To    string `xml:"to,attr"`
		Title string `xml:"title"`
		Img   string `xml:"img"`
	} `xml:"stations>station>progs>prog"`
}

func (p *Poller) fetchSchedule(ctx context.Context, stationID, dateKey string) ([]Program, error) {
	endpoint := fmt.Sprintf(p.cfg.ProgramXMLTemplate, dateKey, stationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build schedule request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schedule: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schedule returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule: %w", err)
	}
	return p.parseSchedule(body)
}

func (p *Poller) parseSchedule(body []byte) ([]Program, error) {
	var doc programXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schedule: %w", err)
	}
	var programs []Program
	for _, prog := range doc.Progs {
		start, err := time.ParseInLocation("20060102150405", prog.Ft, p.loc)
		if err != nil {
			continue
		}
		end, err := time.ParseInLocation("20060102150405", prog.To, p.loc)
		if err != nil {
			continue
		}
		programs = append(programs, Program{
			Title:    strings.TrimSpace(prog.Title),
			ImageURL: strings.TrimSpace(prog.Img),
			Start:    start,
			End:      end,
		})
	}
	if len(programs) == 0 {
		return nil, fmt.Errorf("schedule carried no programs")
	}
	return programs, nil
}

// withArtwork attaches the artwork bytes for imageURL, reusing the previous
// fetch when the URL has not changed. Artwork failures are not escalated.
func (p *Poller) withArtwork(ctx context.Context, np NowPlaying, imageURL string) NowPlaying {
	if imageURL == "" {
		return np
	}
	np.ArtworkURL = imageURL

	p.mu.Lock()
	prev, ok := p.artwork[np.StationID]
	p.mu.Unlock()
	if ok && prev.ArtworkURL == imageURL {
		np.Artwork = prev.Artwork
		return np
	}

	data, err := p.fetchArtwork(ctx, imageURL)
	if err != nil {
		p.log.Debug().Err(err).Str("url", imageURL).Msg("artwork fetch failed")
		return np
	}
	np.Artwork = data

	p.mu.Lock()
	p.artwork[np.StationID] = np
	p.mu.Unlock()
	return np
}

func (p *Poller) fetchArtwork(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build artwork request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch artwork: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artwork returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.ArtworkMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read artwork: %w", err)
	}
	return data, nil
}
