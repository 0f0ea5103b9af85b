package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PlayStatus is the controller's view of the playback pipeline.
type PlayStatus string

const (
	StatusIdle      PlayStatus = "idle"
	StatusResolving PlayStatus = "resolving"
	StatusPlaying   PlayStatus = "playing"
	StatusError     PlayStatus = "error"
)

// SessionState is the single authoritative snapshot of what the appliance is
// doing. It is owned by the controller loop; everyone else reads copies.
type SessionState struct {
	Mode           Mode
	Station        Station
	Stream         *StreamRef
	Status         PlayStatus
	Notice         string
	NowPlaying     NowPlaying
	Epoch          uint64
	ShutdownPrompt bool
}

// streamResolver is the slice of Resolver the controller needs.
type streamResolver interface {
	Resolve(ctx context.Context, st Station) (StreamRef, error)
}

// resolveResult carries an async resolution back into the loop, tagged with
// the epoch it was started under so superseded attempts can be discarded.
type resolveResult struct {
	station Station
	epoch   uint64
	ref     StreamRef
	err     error
}

// backendExit reports an unexpected player death.
type backendExit struct {
	err error
}

// pendingSwitch remembers what was active before a switch attempt, so a
// failed attempt can put everything back.
type pendingSwitch struct {
	prevStation Station
	prevStream  *StreamRef
	prevStatus  PlayStatus
	prevMode    Mode
	// retry marks the single automatic re-tune after a backend failure.
	retry bool
}

// Controller is the session's event loop. All state transitions happen on
// one goroutine; commands and async results arrive over channels, so the
// state needs no locking beyond the snapshot copies handed out to readers.
type Controller struct {
	cfg       *Config
	log       zerolog.Logger
	registry  *Registry
	resolver  streamResolver
	backend   Backend
	store     *StateStore
	presenter Presenter

	// kickMeta nudges the metadata poller after a committed switch. Wired
	// after construction; may be nil in tests.
	kickMeta func()
	// requestShutdown asks the host process to wind down.
	requestShutdown func()
	// poweroff runs the configured system poweroff command.
	poweroff func() error

	cmds chan Command
	msgs chan any
	done chan struct{}

	mu      sync.RWMutex
	state   SessionState
	pending *pendingSwitch
	retried bool
}

// NewController wires the session controller. requestShutdown is invoked on
// a confirmed shutdown, after playback has stopped and state is persisted.
func NewController(cfg *Config, log zerolog.Logger, registry *Registry, resolver streamResolver, backend Backend, store *StateStore, presenter Presenter, requestShutdown func()) *Controller {
	c := &Controller{
		cfg:             cfg,
		log:             log.With().Str("component", "controller").Logger(),
		registry:        registry,
		resolver:        resolver,
		backend:         backend,
		store:           store,
		presenter:       presenter,
		requestShutdown: requestShutdown,
		cmds:            make(chan Command, 16),
		msgs:            make(chan any, 16),
		done:            make(chan struct{}),
	}
	c.poweroff = c.runPoweroff
	c.state.Status = StatusIdle
	return c
}

// SetMetadataKick installs the poller nudge. Must be called before Run.
func (c *Controller) SetMetadataKick(kick func()) {
	c.kickMeta = kick
}

// Dispatch hands a command to the loop. Safe from any goroutine; becomes a
// no-op once the loop has exited.
func (c *Controller) Dispatch(cmd Command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

// PostPoll delivers a metadata result into the loop.
func (c *Controller) PostPoll(pr pollResult) {
	select {
	case c.msgs <- pr:
	case <-c.done:
	}
}

// BackendExited reports an unexpected player death into the loop.
func (c *Controller) BackendExited(err error) {
	select {
	case c.msgs <- backendExit{err: err}:
	case <-c.done:
	}
}

// Snapshot returns a copy of the session state for readers outside the loop.
func (c *Controller) Snapshot() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	if s.Stream != nil {
		ref := *s.Stream
		s.Stream = &ref
	}
	return s
}

// PollSnapshot tells the metadata poller which station to fetch for.
func (c *Controller) PollSnapshot() (Station, Mode, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Station, c.state.Mode, c.state.Epoch
}

// Run restores the persisted selection, tunes it, and then serves commands
// and async results until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	c.restore(ctx)

	for {
		select {
		case <-ctx.Done():
			c.windDown()
			return nil
		case cmd := <-c.cmds:
			c.handleCommand(ctx, cmd)
		case msg := <-c.msgs:
			c.handleMessage(ctx, msg)
		}
	}
}

// restore seeds the registry from the persisted session and tunes the
// resulting selection. Any persistence problem degrades to the defaults.
func (c *Controller) restore(ctx context.Context) {
	ps, err := c.store.Load()
	if err != nil {
		c.log.Warn().Err(err).Msg("state restore failed, starting fresh")
	}
	if ps != nil {
		if ps.StationID != "" && !c.registry.SeekID(ps.StationID) {
			c.log.Warn().Str("station", ps.StationID).Msg("persisted station missing, falling back to first entry")
		}
		if ps.Mode == ModeWorld && ps.WorldURL != "" {
			c.registry.SetWorldStation(Station{
				ID:        ps.WorldName,
				Name:      ps.WorldName,
				StreamURL: ps.WorldURL,
				ImageURL:  ps.WorldImageURL,
			})
		}
		c.registry.SetMode(ps.Mode)
	}

	st, ok := c.registry.Current()
	if !ok {
		// World mode restored without a stored pick; draw one.
		var err error
		if st, err = c.registry.Next(); err != nil {
			c.log.Warn().Err(err).Msg("world pick failed on startup, using curated list")
			c.registry.SetMode(ModeCurated)
			st, _ = c.registry.Current()
		}
	}
	c.startSwitch(ctx, st, false)
}

func (c *Controller) handleCommand(ctx context.Context, cmd Command) {
	c.log.Debug().Stringer("command", cmd).Msg("command")
	switch cmd {
	case CmdSelectPrevious:
		c.selectStation(ctx, c.registry.Previous)
	case CmdSelectNext:
		c.selectStation(ctx, c.registry.Next)
	case CmdToggleMode:
		c.toggleMode(ctx)
	case CmdShowShutdownPrompt:
		c.setPrompt(true)
	case CmdDismissShutdownPrompt:
		c.setPrompt(false)
	case CmdConfirmShutdown:
		c.confirmShutdown()
	}
}

func (c *Controller) handleMessage(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case resolveResult:
		c.handleResolve(ctx, m)
	case pollResult:
		c.handlePoll(m)
	case backendExit:
		c.handleBackendExit(ctx, m)
	}
}

func (c *Controller) selectStation(ctx context.Context, pick func() (Station, error)) {
	st, err := pick()
	if err != nil {
		c.log.Warn().Err(err).Msg("station pick failed")
		c.setNotice(noticeFor(err, ""))
		return
	}
	c.startSwitch(ctx, st, false)
}

func (c *Controller) toggleMode(ctx context.Context) {
	prev := c.registry.Mode()
	c.registry.ToggleMode()
	st, ok := c.registry.Current()
	if !ok {
		var err error
		if st, err = c.registry.Next(); err != nil {
			// No world pick available; stay where we were.
			c.registry.SetMode(prev)
			c.log.Warn().Err(err).Msg("mode toggle failed")
			c.setNotice(noticeFor(err, ""))
			return
		}
	}
	c.startSwitch(ctx, st, false)
}

// startSwitch commits a new selection target and resolves it off-loop. The
// previous playback keeps running until the replacement stream is in hand.
func (c *Controller) startSwitch(ctx context.Context, st Station, retry bool) {
	mode := st.Source
	if mode != ModeWorld {
		mode = ModeCurated
	}

	c.mu.Lock()
	c.state.Epoch++
	epoch := c.state.Epoch
	pend := &pendingSwitch{
		prevStation: c.state.Station,
		prevStream:  c.state.Stream,
		prevStatus:  c.state.Status,
		prevMode:    c.state.Mode,
		retry:       retry,
	}
	if prev := c.pending; prev != nil {
		// Superseding an in-flight switch; the restore point is still the
		// last settled state, not the transient resolving one.
		pend.prevStation = prev.prevStation
		pend.prevStream = prev.prevStream
		pend.prevStatus = prev.prevStatus
		pend.prevMode = prev.prevMode
	}
	c.pending = pend
	c.state.Station = st
	c.state.Mode = mode
	c.state.Status = StatusResolving
	c.state.Notice = ""
	c.state.NowPlaying = NowPlaying{}
	c.mu.Unlock()

	c.log.Info().Str("station", st.Label()).Str("mode", string(mode)).Bool("retry", retry).Msg("tuning")
	c.publish()

	go func() {
		ref, err := c.resolver.Resolve(ctx, st)
		select {
		case c.msgs <- resolveResult{station: st, epoch: epoch, ref: ref, err: err}:
		case <-c.done:
		}
	}()
}

func (c *Controller) handleResolve(ctx context.Context, rr resolveResult) {
	c.mu.Lock()
	if rr.epoch != c.state.Epoch {
		c.mu.Unlock()
		c.log.Debug().Str("station", rr.station.ID).Msg("stale resolution discarded")
		return
	}
	pend := c.pending
	c.pending = nil
	c.mu.Unlock()
	wasRetry := pend != nil && pend.retry

	if rr.err != nil {
		c.log.Warn().Err(rr.err).Str("station", rr.station.Label()).Msg("resolution failed")
		c.failSwitch(pend, rr.station, rr.err)
		return
	}

	if err := c.backend.Start(rr.ref); err != nil {
		c.log.Warn().Err(err).Str("station", rr.station.Label()).Msg("playback start failed")
		if !wasRetry {
			c.startSwitch(ctx, rr.station, true)
			return
		}
		c.failSwitch(pend, rr.station, err)
		return
	}

	ref := rr.ref
	c.mu.Lock()
	c.state.Stream = &ref
	c.state.Status = StatusPlaying
	c.state.Notice = ""
	if !wasRetry {
		// The retry budget refills on a deliberate switch, not on the
		// retry's own success; a player that dies right after starting
		// must not restart forever.
		c.retried = false
	}
	c.mu.Unlock()

	c.log.Info().Str("station", rr.station.Label()).Str("url", ref.URL).Msg("playing")
	c.persist()
	if c.kickMeta != nil {
		c.kickMeta()
	}
	c.publish()
}

// failSwitch restores the pre-switch session after a failed attempt. The
// previous stream was never touched, so status and stream reference go back
// to exactly what they were; the failure is surfaced as a notice.
func (c *Controller) failSwitch(pend *pendingSwitch, attempted Station, err error) {
	notice := noticeFor(err, attempted.Label())

	c.mu.Lock()
	if pend != nil && !pend.retry && pend.prevStream != nil {
		c.state.Station = pend.prevStation
		c.state.Stream = pend.prevStream
		c.state.Status = pend.prevStatus
		c.state.Mode = pend.prevMode
	} else {
		c.state.Stream = nil
		c.state.Status = StatusError
	}
	c.state.Notice = notice
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) handlePoll(pr pollResult) {
	c.mu.Lock()
	if pr.epoch != c.state.Epoch || pr.stationID != c.state.Station.ID {
		c.mu.Unlock()
		c.log.Debug().Str("station", pr.stationID).Msg("stale metadata discarded")
		return
	}
	if pr.err != nil {
		// Keep the previous snapshot, but re-render once it has crossed the
		// staleness threshold so the display degrades to the station name
		// instead of showing an old title forever.
		stale := c.state.NowPlaying.Stale(time.Now(), c.cfg.MetadataInterval, c.cfg.StaleMultiplier)
		c.mu.Unlock()
		c.log.Debug().Err(pr.err).Msg("metadata poll failed")
		if stale {
			c.publish()
		}
		return
	}
	c.state.NowPlaying = pr.np
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) handleBackendExit(ctx context.Context, be backendExit) {
	c.mu.Lock()
	if c.state.Status != StatusPlaying {
		c.mu.Unlock()
		return
	}
	st := c.state.Station
	retried := c.retried
	c.retried = true
	c.mu.Unlock()

	c.log.Warn().Err(be.err).Str("station", st.Label()).Msg("player died")
	if !retried {
		c.startSwitch(ctx, st, true)
		return
	}

	c.mu.Lock()
	c.state.Stream = nil
	c.state.Status = StatusError
	c.state.Notice = "Player keeps failing"
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) setPrompt(show bool) {
	c.mu.Lock()
	changed := c.state.ShutdownPrompt != show
	c.state.ShutdownPrompt = show
	c.mu.Unlock()
	if changed {
		c.publish()
	}
}

func (c *Controller) setNotice(notice string) {
	c.mu.Lock()
	c.state.Notice = notice
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) confirmShutdown() {
	c.log.Info().Msg("shutdown confirmed")
	if err := c.backend.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("playback stop failed during shutdown")
	}
	c.persist()
	if c.requestShutdown != nil {
		c.requestShutdown()
	}
	if err := c.poweroff(); err != nil {
		c.log.Error().Err(err).Msg("poweroff command failed")
	}
}

func (c *Controller) runPoweroff() error {
	if c.cfg.PoweroffCmd == "" {
		return nil
	}
	return exec.Command("sh", "-c", c.cfg.PoweroffCmd).Run()
}

// windDown stops playback and flushes state on context cancellation.
func (c *Controller) windDown() {
	if err := c.backend.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("playback stop failed")
	}
	c.persist()
}

// persist writes the current selection. Only called from the loop goroutine,
// so the registry access is safe. Persistence failures degrade to a warning.
func (c *Controller) persist() {
	c.mu.RLock()
	s := c.state
	c.mu.RUnlock()

	ps := PersistedSession{
		Mode:      s.Mode,
		StationID: c.registry.CuratedCurrent().ID,
	}
	if s.Mode == ModeWorld {
		ps.WorldName = s.Station.Name
		ps.WorldURL = s.Station.StreamURL
		ps.WorldImageURL = s.Station.ImageURL
	}
	if err := c.store.Save(ps); err != nil {
		c.log.Warn().Err(err).Msg("state persist failed")
	}
}

// publish renders the state into a frame for the presenter.
func (c *Controller) publish() {
	c.mu.RLock()
	s := c.state
	c.mu.RUnlock()

	f := Frame{
		Station:  s.Station.Label(),
		Artwork:  s.NowPlaying.Artwork,
		Playing:  s.Status == StatusPlaying,
		Shutdown: s.ShutdownPrompt,
	}
	switch s.Status {
	case StatusResolving:
		f.Status = "Tuning..."
	case StatusError:
		f.Status = s.Notice
		if f.Status == "" {
			f.Status = "Error"
		}
	default:
		f.Status = s.Notice
	}

	title := s.NowPlaying.Title
	if title == "" || s.NowPlaying.Stale(time.Now(), c.cfg.MetadataInterval, c.cfg.StaleMultiplier) {
		title = ""
		if s.Status == StatusPlaying {
			if s.Mode == ModeWorld {
				title = "World Radio"
			} else {
				title = "On Air"
			}
		}
	}
	f.Title = title

	c.presenter.Publish(f)
}

// noticeFor maps a failure to the short line shown on the display.
func noticeFor(err error, label string) string {
	prefix := ""
	if label != "" {
		prefix = label + ": "
	}
	switch {
	case errors.Is(err, ErrAuthUnavailable):
		return prefix + "sign-in unavailable"
	case errors.Is(err, ErrStationNotFound):
		return prefix + "not available in this region"
	case errors.Is(err, ErrStationUnresolvable):
		return prefix + "no playable stream"
	case errors.Is(err, ErrPlaybackBackend):
		return prefix + "player error"
	case err != nil:
		return fmt.Sprintf("%s%v", prefix, err)
	}
	return ""
}
