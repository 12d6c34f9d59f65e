package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"grimm.is/tunshare/internal/brand"
	"grimm.is/tunshare/internal/ctlplane"
	"grimm.is/tunshare/internal/health"
	"grimm.is/tunshare/internal/logging"
)

const recentEvents = 5

// View renders the application.
func (m Model) View() string {
	o := m.orch
	sections := []string{m.viewTopBar()}

	if p := o.Pending(); p != ctlplane.OpNone {
		sections = append(sections, fmt.Sprintf("%s %s...  %s", m.spinner.View(), p, StyleKeys.Render("[esc] cancel")))
	}
	if err := o.LastError(); err != nil {
		sections = append(sections, StyleBad.Render("Error: ")+err.Error())
	} else if n := o.Notice(); n != "" {
		sections = append(sections, StyleNotice.Render(n))
	}

	if o.State() == ctlplane.StateActive {
		sections = append(sections, m.viewSession())
	}

	switch {
	case m.form != nil:
		sections = append(sections, StyleCard.Render(m.form.View()))
	case m.showDebug && o.DebugInfo() != nil:
		sections = append(sections, m.viewDebug(o.DebugInfo()))
	default:
		sections = append(sections, m.list.View())
	}

	sections = append(sections, m.viewEvents(), StyleKeys.Render("[enter] select  [esc] back  [q] quit"))
	return StyleApp.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func (m Model) viewTopBar() string {
	title := StyleBanner.Render(strings.ToUpper(brand.Name))
	state := StyleSubtitle.Render(m.orch.State().String())
	return StyleHeader.Render(lipgloss.JoinHorizontal(lipgloss.Top, title, " ", state))
}

func (m Model) viewSession() string {
	s := m.orch.Session()
	if s == nil {
		return ""
	}
	lines := []string{
		StyleTitle.Render("Sharing " + s.VPN + " → " + s.LAN),
		fmt.Sprintf("LAN address  %s", s.LANAddr),
	}
	if active, rng := s.DHCP(); active {
		lines = append(lines, fmt.Sprintf("DHCP         %s", rng))
	} else {
		lines = append(lines, "DHCP         off")
	}
	lines = append(lines, "NAT-PMP      "+onOff(s.NatPmpActive()))
	lines = append(lines, "Health       "+renderHealth(s.Health()))
	if r := m.lastReport; r != nil {
		for _, name := range []string{"vpn_interface", "ping"} {
			if c, ok := r.Checks[name]; ok {
				lines = append(lines, StyleNotice.Render("  "+c.Message))
			}
		}
	}
	return StyleCard.Render(strings.Join(lines, "\n"))
}

func renderHealth(st health.Status) string {
	switch st {
	case health.StatusHealthy:
		return StyleGood.Render(string(st))
	case health.StatusDegraded:
		return StyleWarn.Render(string(st))
	case health.StatusUnhealthy:
		return StyleBad.Render(string(st))
	}
	return StyleNotice.Render(string(st))
}

func (m Model) viewDebug(info *ctlplane.DebugInfo) string {
	out, err := info.YAML()
	if err != nil {
		out = err.Error()
	}
	if m.height > 0 {
		lines := strings.Split(out, "\n")
		if limit := m.height - 12; limit > 0 && len(lines) > limit {
			lines = append(lines[:limit], "...")
		}
		out = strings.Join(lines, "\n")
	}
	return StyleCard.Render(StyleTitle.Render("Debug info") + "\n" + StyleText.Render(out))
}

func (m Model) viewEvents() string {
	events := logging.Events().GetLast(recentEvents)
	if len(events) == 0 {
		return ""
	}
	lines := make([]string, 0, len(events))
	for _, e := range events {
		style := StyleNotice
		switch e.Level {
		case "warn":
			style = StyleWarn
		case "error":
			style = StyleBad
		}
		lines = append(lines, style.Render(fmt.Sprintf("%s %s", e.Timestamp.Format("15:04:05"), e.Message)))
	}
	return strings.Join(lines, "\n")
}
