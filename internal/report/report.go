// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package report renders a FleetResult for people (text) or machines (json).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/toeirei/keyfleet/internal/core"
	"github.com/toeirei/keyfleet/internal/i18n"
	"github.com/toeirei/keyfleet/internal/model"
)

// Format selects the renderer.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat validates a user supplied format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text or json)", s)
}

// Exit codes.
const (
	ExitSuccess        = 0
	ExitPartialFailure = 1
	ExitAborted        = 2
)

// ExitCode maps the overall status onto the process exit code.
func ExitCode(status model.FleetStatus) int {
	switch status {
	case model.StatusCompleteSuccess:
		return ExitSuccess
	case model.StatusPartialFailure:
		return ExitPartialFailure
	default:
		return ExitAborted
	}
}

var (
	colorSubtle  = lipgloss.Color("240")
	colorError   = lipgloss.Color("196")
	colorSuccess = lipgloss.Color("40")
	colorSpecial = lipgloss.Color("208")

	headerStyle  = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	specialStyle = lipgloss.NewStyle().Foreground(colorSpecial)
	subtleStyle  = lipgloss.NewStyle().Foreground(colorSubtle)
)

// HostReport is one row of the report.
type HostReport struct {
	Host     string            `json:"host"`
	Address  string            `json:"address"`
	Labels   map[string]string `json:"labels,omitempty"`
	Phase    string            `json:"phase"`
	State    model.HostState   `json:"state"`
	Outcome  model.OutcomeKind `json:"outcome"`
	Changed  bool              `json:"changed"`
	Attempts int               `json:"attempts"`
	Liveness model.Liveness    `json:"liveness"`
	Error    string            `json:"error,omitempty"`
}

// Document is the JSON shape of a report.
type Document struct {
	RunID       string              `json:"run_id,omitempty"`
	Operation   model.OperationKind `json:"operation"`
	Target      model.KeyIdentity   `json:"target"`
	Replacement *model.KeyIdentity  `json:"replacement,omitempty"`
	DryRun      bool                `json:"dry_run"`
	Status      model.FleetStatus   `json:"status"`
	Cancelled   bool                `json:"cancelled,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Summary     core.Summary        `json:"summary"`
	Hosts       []HostReport        `json:"hosts"`
	Error       string              `json:"error,omitempty"`
}

// PhaseReached names the furthest phase a host got to. A skipped host
// carries the phase it was skipped in, so a rotation host skipped before
// phase B (both keys present) is told apart from one never contacted.
func PhaseReached(o model.HostOutcome) string {
	switch o.State {
	case model.StatePending:
		return "-"
	case model.StateConnectingA, model.StateAppliedA, model.StateFailedA, model.StateRolledBack:
		return "A"
	case model.StateConnectingB, model.StateFailedB:
		return "B"
	case model.StateSucceeded:
		return "done"
	case model.StateSkipped:
		if o.Phase == "" {
			return "skipped"
		}
		return o.Phase + " (skipped)"
	}
	return string(o.State)
}

// Build converts a result into its document form.
func Build(runID string, res *core.FleetResult) Document {
	doc := Document{
		RunID:       runID,
		Operation:   res.Kind,
		Target:      res.Target,
		Replacement: res.Replacement,
		DryRun:      res.DryRun,
		Status:      res.Status,
		Cancelled:   res.Cancelled,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
		Summary:     res.Summary(),
		Hosts:       []HostReport{},
	}
	if res.Err != nil {
		doc.Error = res.Err.Error()
	}
	for _, o := range res.Outcomes() {
		doc.Hosts = append(doc.Hosts, HostReport{
			Host:     o.Host.String(),
			Address:  o.Host.Addr(),
			Labels:   o.Host.Labels,
			Phase:    PhaseReached(o),
			State:    o.State,
			Outcome:  o.Outcome,
			Changed:  o.Changed,
			Attempts: o.Attempts,
			Liveness: o.Liveness,
			Error:    o.Reason,
		})
	}
	return doc
}

// Render writes res to w in the requested format.
func Render(w io.Writer, runID string, res *core.FleetResult, format Format) error {
	doc := Build(runID, res)
	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
	return renderText(w, doc, res.Duration())
}

func outcomeStyle(o model.OutcomeKind) lipgloss.Style {
	switch o {
	case model.OutcomeSucceeded:
		return successStyle
	case model.OutcomeRolledBack:
		return specialStyle
	case model.OutcomeFailed:
		return errorStyle
	}
	return subtleStyle
}

func statusStyle(s model.FleetStatus) lipgloss.Style {
	switch s {
	case model.StatusCompleteSuccess:
		return successStyle
	case model.StatusPartialFailure:
		return specialStyle
	}
	return errorStyle
}

func renderText(w io.Writer, doc Document, took time.Duration) error {
	var b strings.Builder
	if doc.Error != "" {
		b.WriteString(errorStyle.Render(i18n.T("report.internal_error", doc.Error)) + "\n")
	}

	if len(doc.Hosts) == 0 {
		b.WriteString(subtleStyle.Render(i18n.T("report.no_hosts")) + "\n")
	} else {
		headers := []string{
			i18n.T("report.col_host"), i18n.T("report.col_phase"), i18n.T("report.col_outcome"),
			i18n.T("report.col_changed"), i18n.T("report.col_attempts"), i18n.T("report.col_detail"),
		}
		rows := make([][]string, 0, len(doc.Hosts))
		for _, h := range doc.Hosts {
			changed := i18n.T("report.no")
			if h.Changed {
				changed = i18n.T("report.yes")
			}
			rows = append(rows, []string{h.Host, h.Phase, string(h.Outcome), changed, strconv.Itoa(h.Attempts), h.Error})
		}

		widths := make([]int, len(headers))
		for i, hd := range headers {
			widths[i] = lipgloss.Width(hd)
		}
		for _, r := range rows {
			for i, c := range r {
				if n := lipgloss.Width(c); n > widths[i] {
					widths[i] = n
				}
			}
		}
		pad := func(s string, n int) string {
			return s + strings.Repeat(" ", n-lipgloss.Width(s))
		}

		cells := make([]string, len(headers))
		for i, hd := range headers {
			cells[i] = headerStyle.Render(pad(hd, widths[i]))
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")
		for ri, r := range rows {
			for i, c := range r {
				cell := pad(c, widths[i])
				if i == 2 {
					cell = outcomeStyle(doc.Hosts[ri].Outcome).Render(cell)
				}
				cells[i] = cell
			}
			b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")
		}
	}

	s := doc.Summary
	status := statusStyle(doc.Status).Render(i18n.T("status." + string(doc.Status)))
	b.WriteString(i18n.T("report.summary", doc.Operation, status, s.Total, s.Succeeded, s.Failed, s.RolledBack, s.Skipped, s.Changed, took.Round(time.Millisecond)) + "\n")
	if doc.DryRun {
		b.WriteString(subtleStyle.Render(i18n.T("report.dry_run")) + "\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
