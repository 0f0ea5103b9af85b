package main

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Backend hands a stream reference to an external player and observes it.
// Implementations never decode audio themselves.
type Backend interface {
	Start(ref StreamRef) error
	Stop() error
	Running() bool
	// Title returns the backend's idea of the current track, or "" when it
	// has none.
	Title() string
}

// ffmpegArgs builds the player invocation for a stream reference. Headers
// are rendered in sorted order so the command line is deterministic.
func ffmpegArgs(cfg *Config, ref StreamRef) []string {
	level := "warning"
	if cfg.Debug {
		level = "info"
	}
	args := []string{"-loglevel", level}
	if len(ref.Headers) > 0 {
		keys := make([]string, 0, len(ref.Headers))
		for k := range ref.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\r\n", k, ref.Headers[k])
		}
		args = append(args, "-headers", b.String())
	}
	args = append(args, "-i", ref.URL, "-f", "alsa", "-ac", "2", "-ar", "48000", cfg.ALSADevice)
	return args
}

// ProcessBackend plays a stream by invoking the player binary directly.
// This is the only path that can attach custom HTTP headers.
type ProcessBackend struct {
	cfg *Config
	log zerolog.Logger
	// onExit is called when a started process ends without Stop being
	// asked for it. May be nil.
	onExit func(error)

	mu       sync.Mutex
	cmd      *exec.Cmd
	waitDone chan struct{}
	stopping bool
}

// NewProcessBackend builds the direct-invocation backend. onExit is invoked
// on unexpected process death and may be nil.
func NewProcessBackend(cfg *Config, log zerolog.Logger, onExit func(error)) *ProcessBackend {
	return &ProcessBackend{
		cfg:    cfg,
		log:    log.With().Str("component", "playback").Str("backend", "process").Logger(),
		onExit: onExit,
	}
}

// Start stops any previous process and launches the player for ref.
func (b *ProcessBackend) Start(ref StreamRef) error {
	if err := b.Stop(); err != nil {
		return err
	}

	cmd := exec.Command(b.cfg.FFmpegPath, ffmpegArgs(b.cfg, ref)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %v", ErrPlaybackBackend, b.cfg.FFmpegPath, err)
	}
	b.log.Debug().Str("url", ref.URL).Int("pid", cmd.Process.Pid).Msg("player started")

	done := make(chan struct{})
	b.mu.Lock()
	b.cmd = cmd
	b.waitDone = done
	b.stopping = false
	b.mu.Unlock()

	go func() {
		err := cmd.Wait()
		close(done)
		b.mu.Lock()
		current := b.cmd == cmd
		stopping := b.stopping
		if current {
			b.cmd = nil
		}
		b.mu.Unlock()
		if current && !stopping && b.onExit != nil {
			b.onExit(fmt.Errorf("%w: player exited: %v", ErrPlaybackBackend, err))
		}
	}()
	return nil
}

// Stop terminates the running process, escalating to a kill after a grace
// period. Wait is owned by the goroutine from Start; Stop only watches its
// done channel.
func (b *ProcessBackend) Stop() error {
	b.mu.Lock()
	cmd := b.cmd
	done := b.waitDone
	b.stopping = cmd != nil
	b.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}

// Running reports whether a player process is alive.
func (b *ProcessBackend) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cmd != nil
}

// Title is unavailable from a bare player process.
func (b *ProcessBackend) Title() string {
	return ""
}

// MPDBackend drives a media server over its client utility. It cannot attach
// custom headers, so it only serves plain stream URLs.
type MPDBackend struct {
	cfg *Config
	log zerolog.Logger
	run func(args ...string) (string, error)

	mu      sync.Mutex
	playing bool
}

// NewMPDBackend builds the media-server backend.
func NewMPDBackend(cfg *Config, log zerolog.Logger) *MPDBackend {
	b := &MPDBackend{
		cfg: cfg,
		log: log.With().Str("component", "playback").Str("backend", "mpd").Logger(),
	}
	b.run = b.runMPC
	return b
}

func (b *MPDBackend) runMPC(args ...string) (string, error) {
	out, err := exec.Command(b.cfg.MPCPath, args...).Output()
	return strings.TrimSpace(string(out)), err
}

// Available reports whether the media server answers at all.
func (b *MPDBackend) Available() bool {
	_, err := b.run("status")
	return err == nil
}

// Start replaces the queue with ref and plays it.
func (b *MPDBackend) Start(ref StreamRef) error {
	if len(ref.Headers) > 0 {
		return fmt.Errorf("%w: media server cannot attach headers", ErrPlaybackBackend)
	}
	for _, args := range [][]string{{"clear"}, {"add", ref.URL}, {"play"}} {
		if _, err := b.run(args...); err != nil {
			return fmt.Errorf("%w: mpc %s: %v", ErrPlaybackBackend, args[0], err)
		}
	}
	b.log.Debug().Str("url", ref.URL).Msg("media server playing")
	b.mu.Lock()
	b.playing = true
	b.mu.Unlock()
	return nil
}

// Stop clears the queue.
func (b *MPDBackend) Stop() error {
	b.mu.Lock()
	playing := b.playing
	b.playing = false
	b.mu.Unlock()
	if !playing {
		return nil
	}
	if _, err := b.run("stop"); err != nil {
		return fmt.Errorf("%w: mpc stop: %v", ErrPlaybackBackend, err)
	}
	_, _ = b.run("clear")
	return nil
}

// Running reports whether we asked the server to play and it still is.
func (b *MPDBackend) Running() bool {
	b.mu.Lock()
	playing := b.playing
	b.mu.Unlock()
	if !playing {
		return false
	}
	out, err := b.run("status")
	return err == nil && strings.Contains(out, "[playing]")
}

// Title asks the server for the current track title, falling back to its
// full current line (stations often only fill the ICY name).
func (b *MPDBackend) Title() string {
	if out, err := b.run("-f", "%title%", "current"); err == nil && out != "" {
		return out
	}
	out, _ := b.run("current")
	return out
}

// Player routes each stream reference to the backend that can serve it:
// references carrying headers need the direct player process, plain URLs go
// through the media server when it is up.
type Player struct {
	proc *ProcessBackend
	mpd  *MPDBackend
	log  zerolog.Logger

	mu     sync.Mutex
	active Backend
}

// NewPlayer builds the routing playback adapter.
func NewPlayer(proc *ProcessBackend, mpd *MPDBackend, log zerolog.Logger) *Player {
	return &Player{
		proc: proc,
		mpd:  mpd,
		log:  log.With().Str("component", "playback").Logger(),
	}
}

// Start stops whatever is active and hands ref to the fitting backend.
// Never leaves two streams running.
func (p *Player) Start(ref StreamRef) error {
	if err := p.Stop(); err != nil {
		return err
	}

	var backend Backend = p.proc
	if len(ref.Headers) == 0 && p.mpd != nil && p.mpd.Available() {
		backend = p.mpd
	}
	if err := backend.Start(ref); err != nil {
		return err
	}
	p.mu.Lock()
	p.active = backend
	p.mu.Unlock()
	return nil
}

// Stop tears down the active backend, if any.
func (p *Player) Stop() error {
	p.mu.Lock()
	active := p.active
	p.active = nil
	p.mu.Unlock()
	if active == nil {
		return nil
	}
	return active.Stop()
}

// Running reports whether the active backend is still playing.
func (p *Player) Running() bool {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	return active != nil && active.Running()
}

// Title returns the active backend's current title, if it has one.
func (p *Player) Title() string {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	if active == nil {
		return ""
	}
	return active.Title()
}
