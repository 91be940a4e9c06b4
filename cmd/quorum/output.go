package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/quorum/internal/coord"
	"github.com/ShayCichocki/quorum/internal/llm"
	"github.com/ShayCichocki/quorum/internal/orchestrator"
	"github.com/ShayCichocki/quorum/internal/registry"
	"github.com/ShayCichocki/quorum/internal/selector"
	"github.com/ShayCichocki/quorum/pkg/models"
)

func renderPlan(w io.Writer, plan *models.Plan, sel *selector.Selector) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", color.CyanString("Plan"), plan.ID)
	fmt.Fprintf(&sb, "  Task: %s\n\n", plan.GlobalTask)

	owner := make(map[string]*models.AgentPlan)
	for _, a := range plan.Agents {
		for _, st := range a.Subtasks {
			owner[st.ID] = a
		}
	}
	for _, st := range plan.Subtasks() {
		fmt.Fprintf(&sb, "  %2d. %s %s\n", st.Priority+1, color.YellowString(st.ID), st.Description)
		fmt.Fprintf(&sb, "      agent=%s complexity=%s model=%s\n", owner[st.ID].AgentID, st.Complexity, sel.ForSubtask(owner[st.ID], st))
		if len(st.Dependencies) > 0 {
			fmt.Fprintf(&sb, "      needs: %s\n", strings.Join(st.Dependencies, ", "))
		}
		if len(st.Outputs) > 0 {
			fmt.Fprintf(&sb, "      provides: %s\n", strings.Join(st.Outputs, ", "))
		}
	}

	est := sel.Estimate(plan)
	sb.WriteString("\n" + color.CyanString("Estimated cost") + "\n")
	for _, mc := range est.ByModel {
		fmt.Fprintf(&sb, "  %-32s %2d subtasks  $%.4f\n", mc.Model, mc.Subtasks, mc.Cost)
	}
	fmt.Fprintf(&sb, "  %-32s %12s  $%.4f\n", "total", "", est.Total)
	if len(est.Unpriced) > 0 {
		fmt.Fprintf(&sb, "  %s not in the catalog: %s\n", color.YellowString("!"), strings.Join(est.Unpriced, ", "))
	}
	io.WriteString(w, sb.String())
}

func agentMarker(s models.AgentState) string {
	switch s {
	case models.AgentDone:
		return color.GreenString("✓")
	case models.AgentFailed:
		return color.RedString("✗")
	case models.AgentBlocked:
		return color.YellowString("⏸")
	case models.AgentInProgress:
		return color.CyanString("▶")
	default:
		return "·"
	}
}

func renderAgents(w io.Writer, agents []models.AgentStatus) {
	var sb strings.Builder
	if len(agents) == 0 {
		sb.WriteString("  (no agents)\n")
	}
	for _, a := range agents {
		fmt.Fprintf(&sb, "  [%s] %-20s %-11s %5.1f%%", agentMarker(a.Status), a.AgentID, a.Status, a.Progress)
		if a.CurrentTask != "" {
			fmt.Fprintf(&sb, "  on %s", a.CurrentTask)
		}
		if len(a.Blockers) > 0 {
			fmt.Fprintf(&sb, "  waiting for %s", color.YellowString(strings.Join(a.Blockers, ", ")))
		}
		sb.WriteString("\n")
	}
	io.WriteString(w, sb.String())
}

func renderInterfaces(w io.Writer, ifaces []models.SharedInterface) {
	var sb strings.Builder
	for _, i := range ifaces {
		status := color.YellowString(string(i.Status))
		if i.Status == models.InterfaceReady {
			status = color.GreenString(string(i.Status))
		}
		fmt.Fprintf(&sb, "  %-24s %-6s v%d owner=%s", i.Name, status, i.Version, i.Owner)
		if len(i.Consumers) > 0 {
			fmt.Fprintf(&sb, " consumers=%s", strings.Join(i.Consumers, ","))
		}
		sb.WriteString("\n")
	}
	io.WriteString(w, sb.String())
}

func phaseString(p orchestrator.Phase) string {
	switch p {
	case orchestrator.PhaseComplete:
		return color.GreenString(string(p))
	case orchestrator.PhaseFailed:
		return color.RedString(string(p))
	case orchestrator.PhaseStopped:
		return color.YellowString(string(p))
	default:
		return color.CyanString(string(p))
	}
}

func renderSnapshot(w io.Writer, s orchestrator.Snapshot) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", color.CyanString("Run"), s.RunID)
	if s.Task != "" {
		fmt.Fprintf(&sb, "  Task:     %s\n", s.Task)
	}
	fmt.Fprintf(&sb, "  Phase:    %s\n", phaseString(s.Phase))
	fmt.Fprintf(&sb, "  Policy:   %s\n", s.Policy)
	fmt.Fprintf(&sb, "  Progress: %.1f%%\n", s.Progress)
	if len(s.Running) > 0 {
		fmt.Fprintf(&sb, "  Running:  %s\n", strings.Join(s.Running, ", "))
	}
	if s.Error != "" {
		fmt.Fprintf(&sb, "  Error:    %s\n", color.RedString(s.Error))
	}
	io.WriteString(w, sb.String())
}

func renderResult(w io.Writer, res *orchestrator.Result) {
	var sb strings.Builder
	if res.Plan != nil {
		for _, st := range res.Plan.Subtasks() {
			marker := color.GreenString("✓")
			detail := oneLine(st.Result)
			if st.Status == models.SubTaskFailed {
				marker = color.RedString("✗")
				detail = st.FailReason
				if st.Error != "" {
					detail += ": " + oneLine(st.Error)
				}
			} else if st.Status != models.SubTaskDone {
				marker = "·"
				detail = string(st.Status)
			}
			fmt.Fprintf(&sb, "  [%s] %-20s %s\n", marker, st.ID, detail)
		}
	}
	if m := res.Merge; m != nil {
		sb.WriteString(color.CyanString("Merge") + "\n")
		for _, id := range m.Merged {
			fmt.Fprintf(&sb, "  %s %s\n", color.GreenString("merged"), id)
		}
		for _, s := range m.Skipped {
			fmt.Fprintf(&sb, "  %s %s (%s)\n", color.YellowString("skipped"), s.AgentID, s.Reason)
		}
		for _, c := range m.Conflicts {
			fmt.Fprintf(&sb, "  %s %s\n", color.RedString("conflict"), c.Error())
		}
	}
	fmt.Fprintf(&sb, "Finished: %s\n", phaseString(res.Phase))
	io.WriteString(w, sb.String())
}

func renderUsage(w io.Writer, tracker *llm.Tracker, reg *registry.Registry) {
	usage := tracker.Snapshot(reg)
	if len(usage) == 0 {
		return
	}
	var sb strings.Builder
	sb.WriteString(color.CyanString("Usage") + "\n")
	for _, u := range usage {
		fmt.Fprintf(&sb, "  %-32s %4d calls %8d in %8d out  $%.4f\n", u.Model, u.Calls, u.InputTokens, u.OutputTokens, u.Cost)
	}
	fmt.Fprintf(&sb, "  total $%.4f\n", tracker.TotalCost(reg))
	io.WriteString(w, sb.String())
}

func renderModels(w io.Writer, list []registry.Model) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-32s %-9s %-10s %4s %10s %10s\n", "MODEL", "TIER", "PROVIDER", "RANK", "IN/1K", "OUT/1K")
	for _, m := range list {
		id := m.ID
		if m.Disabled {
			id += " (disabled)"
		}
		fmt.Fprintf(&sb, "%-32s %-9s %-10s %4d %10.4f %10.4f\n", id, m.Tier, m.Provider, m.Rank(), m.InputCostPer1K, m.OutputCostPer1K)
	}
	io.WriteString(w, sb.String())
}

func renderEvents(w io.Writer, events []coord.Event) {
	var sb strings.Builder
	for _, e := range events {
		fmt.Fprintf(&sb, "  %s #%-4d %-9s %-20s %s\n", e.At.Format(time.TimeOnly), e.Seq, e.Kind, e.Key, e.Detail)
	}
	io.WriteString(w, sb.String())
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:97] + "..."
	}
	return s
}
