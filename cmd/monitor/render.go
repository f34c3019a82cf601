package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"fleetnav/internal/domain"
)

// renderGrid draws the field with +Y at the top. Rovers show their number,
// open task targets a T, cells still inside the lock window a + and cells
// visited longer ago a colon.
func renderGrid(snap snapshot, selected string) string {
	b := snap.Fleet.Boundary
	if b.MaxX < b.MinX || b.MaxY < b.MinY {
		return "No field"
	}

	rovers := make(map[domain.Coordinate]domain.Agent, len(snap.Fleet.Rovers))
	for _, a := range snap.Fleet.Rovers {
		rovers[a.Coordinates] = a
	}
	targets := make(map[domain.Coordinate]domain.TaskKind)
	for _, t := range snap.Plan.Tasks {
		if !t.Final() {
			targets[t.Target] = t.Kind
		}
	}
	locked := make(map[domain.Coordinate]bool, len(snap.Locked))
	for _, c := range snap.Locked {
		locked[c] = true
	}
	visited := make(map[domain.Coordinate]bool, len(snap.Visited))
	for _, n := range snap.Visited {
		visited[n.Coordinates] = true
	}

	var sb strings.Builder
	for y := b.MaxY; y >= b.MinY; y-- {
		sb.WriteString(fmt.Sprintf("%3d ", y))
		for x := b.MinX; x <= b.MaxX; x++ {
			c := domain.Coordinate{X: x, Y: y}
			switch a, ok := rovers[c]; {
			case ok:
				sb.WriteString(fmt.Sprintf("[%s]%s[-] ", roverColor(a, selected), roverGlyph(a.ID)))
			case targets[c] != domain.TaskNone:
				sb.WriteString("[red]T[-] ")
			case locked[c]:
				sb.WriteString("[gray]+[-] ")
			case visited[c]:
				sb.WriteString("[gray]:[-] ")
			default:
				sb.WriteString(". ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func roverColor(a domain.Agent, selected string) string {
	switch {
	case a.ID == selected:
		return "yellow"
	case a.Status == domain.AgentStatusMoving:
		return "aqua"
	case a.CurrentTask != domain.TaskNone:
		return "fuchsia"
	}
	return "green"
}

func roverGlyph(id string) string {
	n := strings.TrimPrefix(id, "Rover-")
	if len(n) == 1 {
		return n
	}
	return "R"
}

func renderRoversTable(table *tview.Table, rovers []domain.Agent, selected string) {
	table.Clear()
	headers := []string{"Rover", "Status", "Battery", "Cell", "Task"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, a := range rovers {
		row := i + 1
		task := a.CurrentTask.String()
		if task == "" {
			task = "-"
		}
		table.SetCell(row, 0, tview.NewTableCell(a.ID))
		table.SetCell(row, 1, tview.NewTableCell(string(a.Status)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%5.1f%%", a.Battery)).SetTextColor(batteryColor(a.Battery)))
		table.SetCell(row, 3, tview.NewTableCell(a.Coordinates.String()))
		table.SetCell(row, 4, tview.NewTableCell(task))
		if a.ID == selected {
			table.Select(row, 0)
		}
	}
}

func batteryColor(level float64) tcell.Color {
	switch {
	case level < 20:
		return tcell.ColorRed
	case level < 50:
		return tcell.ColorYellow
	}
	return tcell.ColorGreen
}

// focusTask picks the open task with the highest priority, oldest first on
// ties.
func focusTask(plan domain.CoordinationPlan) (domain.CoordinationTask, bool) {
	var best domain.CoordinationTask
	found := false
	for _, t := range plan.Tasks {
		if t.Final() {
			continue
		}
		if !found || t.Priority > best.Priority || (t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best, found = t, true
		}
	}
	return best, found
}

func renderPlan(plan domain.CoordinationPlan, history []domain.DecisionLog) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("active=%d completed=%d expired=%d\n",
		plan.ActiveTaskCount, plan.CompletedTaskCount, plan.ExpiredTaskCount))
	open := 0
	for _, t := range plan.Tasks {
		if t.Final() {
			continue
		}
		open++
		b.WriteString(fmt.Sprintf(
			"%s %-15s p=%-2d at %s %s %d/%d [%s]\n",
			shortID(t.ID),
			t.Kind,
			t.Priority,
			t.Target,
			t.State(),
			len(t.AssignedAgents),
			t.RequiredAgents,
			strings.Join(t.AssignedAgents, ","),
		))
	}
	if open == 0 {
		b.WriteString("No open tasks\n")
		return b.String()
	}
	if focus, ok := focusTask(plan); ok && len(history) > 0 {
		b.WriteString(fmt.Sprintf("\nhistory of %s:\n", shortID(focus.ID)))
		for _, d := range history {
			b.WriteString(fmt.Sprintf("  [%s] %s %s\n", d.CreatedAt.Format("15:04:05"), d.Action, tview.Escape(trimLine(d.Reason, 60))))
		}
	}
	return b.String()
}

func renderStats(farm domain.FarmStats, ledger domain.VisitationStats) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("temp=%.1fC moisture=%.1f%% pH=%.2f battery=%.1f%%\n",
		farm.AvgTemperature, farm.AvgMoisture, farm.AvgPH, farm.AvgBattery))
	b.WriteString(fmt.Sprintf("visited=%d locked=%d\n", ledger.TotalVisitedNodes, ledger.CurrentlyLockedNodes))
	kinds := make([]domain.TaskKind, 0, len(ledger.TaskCounts))
	for k := range ledger.TaskCounts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, ledger.TaskCounts[k]))
	}
	if len(parts) > 0 {
		b.WriteString("tasks: " + strings.Join(parts, " ") + "\n")
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			d.Actor,
			d.Action,
			tview.Escape(trimLine(d.Reason, 100)),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + tview.Escape(trimLine(detail, 160)) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
