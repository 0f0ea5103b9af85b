package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	tuiTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	tuiStationStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	tuiTrackStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	tuiStatusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	tuiPromptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	tuiHelpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))
)

// frameMsg delivers a published frame into the bubbletea loop.
type frameMsg Frame

// TUI renders session frames in the terminal and turns the a/b/x/y keys
// into button events, standing in for the physical panel during development.
type TUI struct {
	prog *tea.Program
	// onQuit is invoked when the user quits the interface.
	onQuit func()
}

type tuiModel struct {
	frame frameMsg
	spin  spinner.Model
	feed  func(RawButtonEvent)
	width int
}

// NewTUI builds the terminal presenter. feed receives raw button events for
// the a/b/x/y keys; onQuit fires once the interface exits.
func NewTUI(feed func(RawButtonEvent), onQuit func()) *TUI {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	m := tuiModel{spin: s, feed: feed}
	return &TUI{
		prog:   tea.NewProgram(m, tea.WithAltScreen()),
		onQuit: onQuit,
	}
}

// Publish implements Presenter.
func (t *TUI) Publish(f Frame) {
	t.prog.Send(frameMsg(f))
}

// Run drives the interface until the context is cancelled or the user quits.
func (t *TUI) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.prog.Quit()
	}()
	_, err := t.prog.Run()
	if t.onQuit != nil {
		t.onQuit()
	}
	if err != nil {
		return fmt.Errorf("failed to run terminal ui: %w", err)
	}
	return nil
}

func (m tuiModel) Init() tea.Cmd {
	return m.spin.Tick
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case frameMsg:
		m.frame = msg
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			m.press(ButtonA)
		case "b":
			m.press(ButtonB)
		case "x":
			m.press(ButtonX)
		case "y":
			m.press(ButtonY)
		}
		return m, nil
	}
	return m, nil
}

func (m tuiModel) press(b ButtonID) {
	if m.feed != nil {
		m.feed(RawButtonEvent{Button: b, Pressed: true, At: time.Now()})
	}
}

func (m tuiModel) View() string {
	f := Frame(m.frame)

	header := tuiTitleStyle.Render("rplayer")
	station := tuiStationStyle.Render(f.Station)
	if f.Station == "" {
		station = tuiStationStyle.Render("(no station)")
	}

	track := ""
	if f.Title != "" {
		track = tuiTrackStyle.Render(f.Title)
	}

	status := ""
	switch {
	case f.Shutdown:
		status = tuiPromptStyle.Render("Shutdown? press x to confirm")
	case f.Status == "Tuning...":
		status = m.spin.View() + tuiStatusStyle.Render(" tuning")
	case f.Status != "":
		status = tuiStatusStyle.Render(f.Status)
	}

	help := tuiHelpStyle.Render("a prev · b next · x mode · y y shutdown · q quit")

	lines := []string{header, "", station}
	if track != "" {
		lines = append(lines, track)
	}
	if status != "" {
		lines = append(lines, status)
	}
	lines = append(lines, "", help)

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
