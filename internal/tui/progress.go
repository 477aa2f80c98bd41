// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package tui renders live run progress on a terminal.
package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/toeirei/keyfleet/internal/core"
	"github.com/toeirei/keyfleet/internal/model"
)

// maxRecent is how many finished hosts are listed under the bar.
const maxRecent = 6

type eventMsg core.HostEvent

type doneMsg struct{}

type progressModel struct {
	title    string
	total    int
	phases   int
	spinner  spinner.Model
	bar      progress.Model
	steps    map[string]int // phases completed per host
	finished int
	failed   int
	retries  int
	active   map[string]bool
	recent   []string
	quitting bool
}

func newProgressModel(title string, total, phases int) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	if phases < 1 {
		phases = 1
	}
	return progressModel{
		title:   title,
		total:   total,
		phases:  phases,
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		steps:   map[string]int{},
		active:  map[string]bool{},
	}
}

func (m progressModel) Init() tea.Cmd { return m.spinner.Tick }

// percent counts completed phases, so a rotation sits at half once phase A
// is done everywhere.
func (m progressModel) percent() float64 {
	if m.total == 0 {
		return 1
	}
	sum := 0
	for _, n := range m.steps {
		sum += n
	}
	p := float64(sum) / float64(m.total*m.phases)
	if p > 1 {
		p = 1
	}
	return p
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		return m.handleEvent(core.HostEvent(msg))
	case doneMsg:
		m.quitting = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		pm, cmd := m.bar.Update(msg)
		if bar, ok := pm.(progress.Model); ok {
			m.bar = bar
		}
		return m, cmd
	}
	return m, nil
}

func (m progressModel) handleEvent(ev core.HostEvent) (tea.Model, tea.Cmd) {
	if ev.Kind == core.EventRetry {
		m.retries++
		return m, nil
	}
	key := ev.Host.Key()
	switch {
	case ev.To == model.StateConnectingA || ev.To == model.StateConnectingB:
		m.active[key] = true
		return m, nil
	case ev.To == model.StateAppliedA:
		delete(m.active, key)
		if m.steps[key] < 1 {
			m.steps[key] = 1
		}
	case ev.To.Terminal():
		delete(m.active, key)
		m.steps[key] = m.phases
		m.finished++
		if model.OutcomeFor(ev.To) == model.OutcomeFailed {
			m.failed++
		}
		m.recent = append(m.recent, renderDone(ev))
		if len(m.recent) > maxRecent {
			m.recent = m.recent[len(m.recent)-maxRecent:]
		}
	default:
		return m, nil
	}
	return m, m.bar.SetPercent(m.percent())
}

func renderDone(ev core.HostEvent) string {
	switch ev.To {
	case model.StateSucceeded:
		return successStyle.Render("✓ ") + ev.Host.String()
	case model.StateRolledBack:
		return specialStyle.Render("↺ ") + ev.Host.String()
	}
	line := errorStyle.Render("✗ ") + ev.Host.String() + " " + string(ev.To)
	if ev.Outcome.Reason != "" {
		line += helpStyle.Render(": " + ev.Outcome.Reason)
	}
	return line
}

func (m progressModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title) + "\n")
	fmt.Fprintf(&b, "%s %s %d/%d", m.spinner.View(), m.bar.View(), m.finished, m.total)
	if m.failed > 0 {
		b.WriteString(errorStyle.Render(fmt.Sprintf("  %d failed", m.failed)))
	}
	b.WriteString("\n")
	if len(m.active) > 0 || m.retries > 0 {
		b.WriteString(helpStyle.Render(fmt.Sprintf("%d in flight, %d retries", len(m.active), m.retries)) + "\n")
	}
	for _, r := range m.recent {
		b.WriteString("  " + r + "\n")
	}
	if m.quitting {
		b.WriteString("\n")
	}
	return b.String()
}

// Progress drives a bubbletea program fed by orchestrator events.
type Progress struct {
	prog *tea.Program
	wg   sync.WaitGroup
}

// NewProgress prepares a display for total hosts over the given number of
// phases. Keyboard input is not read, so interrupts reach the process as
// signals.
func NewProgress(out io.Writer, title string, total, phases int) *Progress {
	m := newProgressModel(title, total, phases)
	return &Progress{prog: tea.NewProgram(m, tea.WithOutput(out), tea.WithInput(nil), tea.WithoutSignalHandler())}
}

// Start runs the display in the background.
func (p *Progress) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _ = p.prog.Run()
	}()
}

// Observer forwards orchestrator events to the display.
func (p *Progress) Observer() core.Observer {
	return func(ev core.HostEvent) { p.prog.Send(eventMsg(ev)) }
}

// Stop ends the display and waits for the terminal to be restored.
func (p *Progress) Stop() {
	p.prog.Send(doneMsg{})
	p.wg.Wait()
}
