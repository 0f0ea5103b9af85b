package main

import (
	"sync"

	"github.com/rs/zerolog"
)

// Frame is the complete render state handed to a presenter. Presenters only
// ever see whole frames; they never reach back into the session.
type Frame struct {
	Station  string
	Title    string
	Status   string
	Artwork  []byte
	Playing  bool
	Shutdown bool
}

// Presenter receives every published frame. Publish must not block the
// caller for long; slow sinks buffer or drop internally.
type Presenter interface {
	Publish(Frame)
}

// MultiPresenter fans frames out to several sinks.
type MultiPresenter []Presenter

func (m MultiPresenter) Publish(f Frame) {
	for _, p := range m {
		p.Publish(f)
	}
}

// ConsolePresenter logs frames, skipping repeats so a quiet station does not
// flood the journal. It is the fallback when no panel or terminal UI runs.
type ConsolePresenter struct {
	log zerolog.Logger

	mu   sync.Mutex
	last Frame
	seen bool
}

// NewConsolePresenter builds the logging presenter.
func NewConsolePresenter(log zerolog.Logger) *ConsolePresenter {
	return &ConsolePresenter{log: log.With().Str("component", "display").Logger()}
}

// Publish logs the frame when its visible text changed.
func (p *ConsolePresenter) Publish(f Frame) {
	p.mu.Lock()
	same := p.seen &&
		p.last.Station == f.Station &&
		p.last.Title == f.Title &&
		p.last.Status == f.Status &&
		p.last.Shutdown == f.Shutdown
	p.last = f
	p.seen = true
	p.mu.Unlock()
	if same {
		return
	}

	ev := p.log.Info().Str("station", f.Station)
	if f.Title != "" {
		ev = ev.Str("title", f.Title)
	}
	if f.Status != "" {
		ev = ev.Str("status", f.Status)
	}
	if f.Shutdown {
		ev = ev.Bool("shutdown_prompt", true)
	}
	ev.Msg("now playing")
}
