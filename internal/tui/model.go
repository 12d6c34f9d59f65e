// Package tui is the terminal front end. It owns no sharing logic: every
// action is forwarded to the orchestrator and every task result is fed
// back to it from the bubbletea update loop.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"grimm.is/tunshare/internal/ctlplane"
	"grimm.is/tunshare/internal/health"
)

// HealthInterval is how often the probe runs while sharing.
const HealthInterval = 15 * time.Second

// ProbeFunc checks the tunnel for the named VPN interface.
type ProbeFunc func(ctx context.Context, vpn string) health.Report

func defaultProbe(ctx context.Context, vpn string) health.Report {
	return health.NewProbe(vpn, "", nil, nil).Check(ctx)
}

type resultMsg struct{ ctlplane.Result }

type healthTickMsg struct{}

type healthMsg struct{ report health.Report }

type action int

const (
	actStart action = iota
	actStop
	actDNS
	actToggleDHCP
	actToggleNatPmp
	actDebug
	actQuit
	actPick
)

type item struct {
	title  string
	desc   string
	action action
	value  string
}

func (i item) Title() string       { return i.title }
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.title }

// Model is the bubbletea model.
type Model struct {
	orch  *ctlplane.Orchestrator
	probe ProbeFunc

	list    list.Model
	spinner spinner.Model
	form    *huh.Form
	dnsText *string

	lastState  ctlplane.State
	healthOn   bool
	showDebug  bool
	lastReport *health.Report

	width  int
	height int
}

// NewModel wraps orch. A nil probe uses the real health checks.
func NewModel(orch *ctlplane.Orchestrator, probe ProbeFunc) Model {
	if probe == nil {
		probe = defaultProbe
	}
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = StyleTitle

	m := Model{
		orch:      orch,
		probe:     probe,
		list:      l,
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		dnsText:   new(string),
		lastState: -1,
	}
	m.syncList()
	return m
}

// waitForResult blocks on the orchestrator's result channel.
func waitForResult(orch *ctlplane.Orchestrator) tea.Cmd {
	results := orch.Results()
	return func() tea.Msg {
		return resultMsg{<-results}
	}
}

func healthTick() tea.Cmd {
	return tea.Tick(HealthInterval, func(time.Time) tea.Msg { return healthTickMsg{} })
}

// Init starts the spinner and the result pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForResult(m.orch))
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case resultMsg:
		m.orch.Handle(msg.Result)
		cmds = append(cmds, waitForResult(m.orch))

	case healthTickMsg:
		s := m.orch.Session()
		if s == nil || m.orch.State() != ctlplane.StateActive {
			m.healthOn = false
			break
		}
		vpn, probe := s.VPN, m.probe
		cmds = append(cmds, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return healthMsg{probe(ctx, vpn)}
		}, healthTick())

	case healthMsg:
		m.lastReport = &msg.report
		if s := m.orch.Session(); s != nil {
			s.SetHealth(msg.report.Status)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.list.SetSize(msg.Width-4, msg.Height/2)

	case tea.KeyMsg:
		model, cmd := m.handleKey(msg)
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
		m = model
	}

	if m.orch.State() == ctlplane.StateActive && !m.healthOn {
		m.healthOn = true
		cmds = append(cmds, func() tea.Msg { return healthTickMsg{} })
	}
	if m.orch.State() != m.lastState {
		m.syncList()
		if m.form != nil {
			cmds = append(cmds, m.form.Init())
		}
	}
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}

	if m.form != nil {
		if msg.Type == tea.KeyEsc {
			m.form = nil
			m.orch.Back()
			return m, nil
		}
		form, cmd := m.form.Update(msg)
		if f, ok := form.(*huh.Form); ok {
			m.form = f
		}
		if m.form.State == huh.StateCompleted {
			m.form = nil
			if err := m.orch.SetDNSServers(splitList(*m.dnsText)); err != nil {
				m.editDNS(err.Error())
				return m, m.form.Init()
			}
		}
		return m, cmd
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "esc":
		if m.orch.Pending() != ctlplane.OpNone {
			m.orch.Cancel()
		} else if m.showDebug {
			m.showDebug = false
		} else {
			m.orch.Back()
		}
		return m, nil
	case "enter":
		if m.orch.Pending() != ctlplane.OpNone {
			return m, nil
		}
		if it, ok := m.list.SelectedItem().(item); ok {
			return m.run(it)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// run performs a menu action.
func (m Model) run(it item) (Model, tea.Cmd) {
	o := m.orch
	st := o.Settings()
	switch it.action {
	case actStart:
		_ = o.DetectInterfaces()
	case actStop:
		_ = o.StopSharing()
	case actDNS:
		_ = o.DiscoverDNS()
	case actToggleDHCP:
		o.SetPreferences(!st.DHCPEnabled, st.NatPmpEnabled)
		m.syncList()
	case actToggleNatPmp:
		o.SetPreferences(st.DHCPEnabled, !st.NatPmpEnabled)
		m.syncList()
	case actDebug:
		if o.FetchDebugInfo() == nil {
			m.showDebug = true
		}
	case actQuit:
		return m, tea.Quit
	case actPick:
		switch o.State() {
		case ctlplane.StateSelectingVPN:
			_ = o.SelectVPN(it.value)
		case ctlplane.StateSelectingLAN:
			if o.SelectLAN(it.value) == nil {
				_ = o.StartSharing()
			}
		}
	}
	return m, nil
}

// syncList rebuilds the list for the current screen.
func (m *Model) syncList() {
	o := m.orch
	m.lastState = o.State()
	st := o.Settings()

	var items []item
	switch o.State() {
	case ctlplane.StateMenu:
		m.list.Title = "Menu"
		items = []item{
			{title: "Start sharing", desc: "Detect interfaces and share the VPN", action: actStart},
			{title: "DNS servers", desc: dnsSummary(o), action: actDNS},
			{title: "DHCP: " + onOff(st.DHCPEnabled), desc: "Serve addresses with dnsmasq", action: actToggleDHCP},
			{title: "NAT-PMP: " + onOff(st.NatPmpEnabled), desc: "Let LAN clients map ports", action: actToggleNatPmp},
			{title: "Debug info", desc: "Show pf, forwarding and DHCP state", action: actDebug},
			{title: "Quit", action: actQuit},
		}
	case ctlplane.StateSelectingVPN:
		m.list.Title = "Select VPN interface"
		for _, ifc := range o.Detection().VPN {
			desc := ifc.Addr.String()
			if ifc.WireGuard {
				desc += " (WireGuard)"
			}
			items = append(items, item{title: ifc.Name, desc: desc, action: actPick, value: ifc.Name})
		}
	case ctlplane.StateSelectingLAN:
		m.list.Title = "Select LAN interface"
		vpn, _ := o.Selected()
		for _, ifc := range o.Detection().LAN {
			if vpn != nil && vpn.Name == ifc.Name {
				continue
			}
			items = append(items, item{title: ifc.Name, desc: ifc.Network().String(), action: actPick, value: ifc.Name})
		}
	case ctlplane.StateActive:
		m.list.Title = "Sharing"
		items = []item{
			{title: "Stop sharing", desc: "Restore firewall, forwarding and DHCP", action: actStop},
			{title: "Debug info", desc: "Show pf, forwarding and DHCP state", action: actDebug},
			{title: "Quit", desc: "Stop sharing and exit", action: actQuit},
		}
	case ctlplane.StateEditingDNS:
		m.editDNS("")
	}

	listItems := make([]list.Item, len(items))
	for i, it := range items {
		listItems[i] = it
	}
	m.list.SetItems(listItems)
	m.list.Select(0)
}

// editDNS opens the DNS form prefilled with the current or discovered list.
func (m *Model) editDNS(problem string) {
	o := m.orch
	var current []string
	for _, a := range o.Settings().DNSServers {
		current = append(current, a.String())
	}
	if len(current) == 0 {
		for _, r := range o.Resolvers() {
			current = append(current, r.Addr.String())
		}
	}
	*m.dnsText = strings.Join(current, ", ")

	desc := "Comma or space separated IP addresses handed to DHCP clients."
	if problem != "" {
		desc = problem
	}
	m.form = huh.NewForm(huh.NewGroup(
		huh.NewText().
			Title("DNS servers").
			Description(desc).
			Value(m.dnsText),
	)).WithTheme(huh.ThemeBase16())
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func dnsSummary(o *ctlplane.Orchestrator) string {
	servers := o.Settings().DNSServers
	if len(servers) == 0 {
		return "Use the LAN gateway"
	}
	parts := make([]string, len(servers))
	for i, a := range servers {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
