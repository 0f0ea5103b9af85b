package main

import (
	"sync"
	"time"
)

// ButtonID names the four physical buttons.
type ButtonID int

const (
	ButtonA ButtonID = iota
	ButtonB
	ButtonX
	ButtonY
)

func (b ButtonID) String() string {
	switch b {
	case ButtonA:
		return "A"
	case ButtonB:
		return "B"
	case ButtonX:
		return "X"
	case ButtonY:
		return "Y"
	}
	return "?"
}

// PressKind tags a press as a single press or a double click.
type PressKind int

const (
	PressSingle PressKind = iota
	PressDouble
)

// RawButtonEvent is what the input layer delivers: a button edge with its
// timestamp. Electrical debouncing happens below this boundary. When input
// hardware is absent no events arrive and the rest of the system is
// unaffected.
type RawButtonEvent struct {
	Button  ButtonID
	Pressed bool
	At      time.Time
}

// ButtonPress is a classified press.
type ButtonPress struct {
	Button ButtonID
	Kind   PressKind
	At     time.Time
}

// Classifier tags raw presses with single/double within a fixed window.
// Only ButtonY is delay-classified; A, B and X always emit a single press
// immediately, since holding every selection press back for the full window
// would make the controls feel laggy.
type Classifier struct {
	window time.Duration
	emit   func(ButtonPress)

	mu       sync.Mutex
	pendingY *time.Timer
}

// NewClassifier builds a classifier emitting into emit.
func NewClassifier(window time.Duration, emit func(ButtonPress)) *Classifier {
	return &Classifier{window: window, emit: emit}
}

// Feed consumes one raw event. Releases are ignored.
func (c *Classifier) Feed(ev RawButtonEvent) {
	if !ev.Pressed {
		return
	}
	if ev.Button != ButtonY {
		c.emit(ButtonPress{Button: ev.Button, Kind: PressSingle, At: ev.At})
		return
	}

	c.mu.Lock()
	if c.pendingY != nil {
		c.pendingY.Stop()
		c.pendingY = nil
		c.mu.Unlock()
		c.emit(ButtonPress{Button: ButtonY, Kind: PressDouble, At: ev.At})
		return
	}
	c.pendingY = time.AfterFunc(c.window, func() {
		c.mu.Lock()
		c.pendingY = nil
		c.mu.Unlock()
		c.emit(ButtonPress{Button: ButtonY, Kind: PressSingle, At: ev.At})
	})
	c.mu.Unlock()
}

// Command is what the router asks the session controller to do.
type Command int

const (
	CmdSelectPrevious Command = iota
	CmdSelectNext
	CmdToggleMode
	CmdShowShutdownPrompt
	CmdDismissShutdownPrompt
	CmdConfirmShutdown
)

func (c Command) String() string {
	switch c {
	case CmdSelectPrevious:
		return "select-previous"
	case CmdSelectNext:
		return "select-next"
	case CmdToggleMode:
		return "toggle-mode"
	case CmdShowShutdownPrompt:
		return "show-shutdown-prompt"
	case CmdDismissShutdownPrompt:
		return "dismiss-shutdown-prompt"
	case CmdConfirmShutdown:
		return "confirm-shutdown"
	}
	return "unknown"
}

type routerState int

const (
	routerIdle routerState = iota
	routerShutdownConfirm
)

// Router is the small state machine between classified presses and
// controller commands. From Idle, A/B select, X toggles the mode and a Y
// double click opens the shutdown prompt; inside the prompt only X confirms,
// anything else (or the timeout) dismisses. A selection press inside the
// prompt dismisses it and is then applied.
type Router struct {
	confirmTTL time.Duration
	emit       func(Command)

	mu           sync.Mutex
	state        routerState
	confirmTimer *time.Timer
}

// NewRouter builds a router emitting commands into emit.
func NewRouter(confirmTTL time.Duration, emit func(Command)) *Router {
	return &Router{confirmTTL: confirmTTL, emit: emit}
}

// Handle consumes one classified press.
func (r *Router) Handle(press ButtonPress) {
	r.mu.Lock()
	state := r.state
	var out []Command

	switch state {
	case routerIdle:
		switch {
		case press.Button == ButtonA:
			out = append(out, CmdSelectPrevious)
		case press.Button == ButtonB:
			out = append(out, CmdSelectNext)
		case press.Button == ButtonX && press.Kind == PressSingle:
			out = append(out, CmdToggleMode)
		case press.Button == ButtonY && press.Kind == PressDouble:
			r.state = routerShutdownConfirm
			r.confirmTimer = time.AfterFunc(r.confirmTTL, r.timeout)
			out = append(out, CmdShowShutdownPrompt)
		}

	case routerShutdownConfirm:
		r.stopTimerLocked()
		if press.Button == ButtonX && press.Kind == PressSingle {
			r.state = routerIdle
			out = append(out, CmdConfirmShutdown)
			break
		}
		r.state = routerIdle
		out = append(out, CmdDismissShutdownPrompt)
		switch press.Button {
		case ButtonA:
			out = append(out, CmdSelectPrevious)
		case ButtonB:
			out = append(out, CmdSelectNext)
		}
	}
	r.mu.Unlock()

	for _, cmd := range out {
		r.emit(cmd)
	}
}

func (r *Router) timeout() {
	r.mu.Lock()
	if r.state != routerShutdownConfirm {
		r.mu.Unlock()
		return
	}
	r.state = routerIdle
	r.confirmTimer = nil
	r.mu.Unlock()
	r.emit(CmdDismissShutdownPrompt)
}

func (r *Router) stopTimerLocked() {
	if r.confirmTimer != nil {
		r.confirmTimer.Stop()
		r.confirmTimer = nil
	}
}
