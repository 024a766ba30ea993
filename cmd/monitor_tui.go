// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tedfoley/form-trackers/pkg/podlink"
	"github.com/tedfoley/form-trackers/pkg/podwire"
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// podItem is one row of the pod list: a connected pod or a scan result.
type podItem struct {
	id        string
	name      string
	state     podlink.ConnectionState
	connected bool // registered with the manager
	rssi      int16
	location  podlink.BodyLocation
	battery   *uint8
	demo      bool
}

func (p podItem) Title() string {
	name := p.name
	if name == "" {
		name = p.id
	}
	if p.location != podlink.LocationNone {
		return fmt.Sprintf("%s [%s]", name, p.location.Label())
	}
	return name
}

func (p podItem) Description() string {
	if !p.connected {
		if p.rssi != 0 {
			return fmt.Sprintf("found, %d dBm", p.rssi)
		}
		return "found"
	}
	desc := p.state.String()
	if p.battery != nil {
		desc += fmt.Sprintf(", %d%%", *p.battery)
	}
	if p.demo {
		desc += ", demo"
	}
	return desc
}

func (p podItem) FilterValue() string { return p.name + " " + p.id }

type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	mgr         *podlink.Manager
	connInfo    string
	updates     <-chan podlink.Session
	autoRestore bool

	session podlink.Session
	items   []podItem
	podList list.Model

	eventLog      []eventLogEntry
	maxLogEntries int

	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type monitorTickMsg time.Time

type sessionMsg podlink.Session

type sessionClosedMsg struct{}

type actionDoneMsg struct {
	text string
	err  error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialMonitorModel(mgr *podlink.Manager, connInfo string, updates <-chan podlink.Session, autoRestore bool) monitorModel {
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	podList := list.New([]list.Item{}, delegate, 34, 10)
	podList.Title = "Pods"
	podList.SetShowStatusBar(false)
	podList.SetShowHelp(false)
	podList.SetFilteringEnabled(false)

	return monitorModel{
		mgr:           mgr,
		connInfo:      connInfo,
		updates:       updates,
		autoRestore:   autoRestore,
		podList:       podList,
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(monitorTickCmd(), waitForSession(m.updates))
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func waitForSession(ch <-chan podlink.Session) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return sessionClosedMsg{}
		}
		return sessionMsg(s)
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case monitorTickMsg:
		// Redraw so rates and ages move between snapshots
		return m, monitorTickCmd()

	case sessionMsg:
		m.applySession(podlink.Session(msg))
		return m, waitForSession(m.updates)

	case sessionClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case actionDoneMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("%s: %v", msg.text, msg.err), true)
		} else if msg.text != "" {
			m.addLogEntry(msg.text, false)
		}
	}

	var cmd tea.Cmd
	m.podList, cmd = m.podList.Update(msg)
	return m, cmd
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "s":
		return m, m.toggleScan()

	case "enter", "c":
		return m, m.connectSelected()

	case "x":
		return m, m.disconnectSelected()

	case "1":
		return m, m.assign(podlink.LeftFoot)
	case "2":
		return m, m.assign(podlink.RightFoot)
	case "3":
		return m, m.assign(podlink.Waist)
	case "0":
		return m, m.assign(podlink.LocationNone)

	case "w":
		return m, m.saveAssignments()

	case "r":
		n := m.mgr.RestoreAssignments()
		m.addLogEntry(fmt.Sprintf("Restored %d assignment(s)", n), false)
		return m, nil

	case "D":
		return m, m.toggleDemo()

	case "up", "k", "down", "j":
		var cmd tea.Cmd
		m.podList, cmd = m.podList.Update(msg)
		m.syncSelection()
		return m, cmd
	}

	return m, nil
}

//////////////////////////////////////////////////////////////
// Actions
//////////////////////////////////////////////////////////////

func (m *monitorModel) toggleScan() tea.Cmd {
	if m.session.Phase == podlink.Scanning {
		m.mgr.StopScan()
		m.addLogEntry("Scan stopped", false)
		return nil
	}
	mgr := m.mgr
	timeout := cfg.Scan.Timeout.Duration
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := mgr.StartScan(ctx); err != nil {
			cancel()
			return actionDoneMsg{text: "Scan failed", err: err}
		}
		// The scan context lives until the timeout; StopScan ends it early.
		go func() {
			<-ctx.Done()
			cancel()
		}()
		return actionDoneMsg{text: fmt.Sprintf("Scanning for %s", timeout)}
	}
}

func (m *monitorModel) connectSelected() tea.Cmd {
	item := m.selectedItem()
	if item == nil {
		return nil
	}
	if item.connected {
		m.addLogEntry(fmt.Sprintf("%s is already connected", item.Title()), false)
		return nil
	}
	dev, ok := m.session.Scanned[item.id]
	if !ok {
		return nil
	}
	mgr := m.mgr
	return func() tea.Msg {
		err := mgr.Connect(context.Background(), dev)
		return actionDoneMsg{text: "Connecting to " + dev.Name, err: err}
	}
}

func (m *monitorModel) disconnectSelected() tea.Cmd {
	item := m.selectedItem()
	if item == nil || !item.connected {
		return nil
	}
	if item.demo {
		m.addLogEntry("Demo pods stop with demo mode (D)", false)
		return nil
	}
	mgr, id, name := m.mgr, item.id, item.Title()
	return func() tea.Msg {
		mgr.Disconnect(context.Background(), id)
		return actionDoneMsg{text: "Disconnected " + name}
	}
}

func (m *monitorModel) assign(loc podlink.BodyLocation) tea.Cmd {
	item := m.selectedItem()
	if item == nil || !item.connected {
		return nil
	}
	if err := m.mgr.AssignBodyLocation(item.id, loc); err != nil {
		m.addLogEntry(fmt.Sprintf("Assign failed: %v", err), true)
	}
	return nil
}

func (m *monitorModel) saveAssignments() tea.Cmd {
	mgr := m.mgr
	return func() tea.Msg {
		current := mgr.CurrentAssignments()
		err := mgr.SaveAssignments(context.Background(), current)
		return actionDoneMsg{text: fmt.Sprintf("Saved %d assignment(s)", len(current)), err: err}
	}
}

func (m *monitorModel) toggleDemo() tea.Cmd {
	mgr := m.mgr
	if m.session.Demo {
		return func() tea.Msg {
			// Stopping demo mode resets the session; bring the saved
			// assignments back for the next real pods.
			mgr.StopDemo()
			mgr.LoadAssignments(context.Background())
			return actionDoneMsg{text: "Demo mode stopped"}
		}
	}
	return func() tea.Msg {
		err := mgr.StartDemo()
		return actionDoneMsg{text: "Demo mode started", err: err}
	}
}

//////////////////////////////////////////////////////////////
// Session Handling
//////////////////////////////////////////////////////////////

// applySession logs what changed since the last snapshot and rebuilds the
// pod list.
func (m *monitorModel) applySession(s podlink.Session) {
	prev := m.session
	m.session = s

	if s.Err != nil && (prev.Err == nil || prev.Err.Error() != s.Err.Error()) {
		m.addLogEntry(s.Err.Error(), true)
		go m.mgr.ClearError()
	}
	if prev.Phase == podlink.Scanning && s.Phase == podlink.ScanIdle {
		m.addLogEntry(fmt.Sprintf("Scan finished: %d pod(s) found", len(s.Scanned)), false)
	}

	newlyConnected := false
	for _, id := range s.PodIDs() {
		pod := s.Pods[id]
		old, existed := prev.Pods[id]
		if existed && old.State == pod.State {
			continue
		}
		if pod.State == podlink.Connected && !pod.Demo {
			newlyConnected = true
		}
		if !pod.Demo {
			m.addLogEntry(fmt.Sprintf("%s: %s", podLabel(pod), pod.State), pod.State == podlink.Reconnecting)
		}
	}
	for id, pod := range prev.Pods {
		if _, ok := s.Pods[id]; !ok && !pod.Demo {
			m.addLogEntry(fmt.Sprintf("%s: removed", podLabel(pod)), false)
		}
	}

	// Restoring publishes a new snapshot; it is a no-op once every saved
	// location is in place.
	if newlyConnected && m.autoRestore {
		if n := m.mgr.RestoreAssignments(); n > 0 {
			m.addLogEntry(fmt.Sprintf("Restored %d saved assignment(s)", n), false)
		}
	}

	m.updatePodList()
}

func podLabel(p podlink.PodState) string {
	if p.Name != "" {
		return p.Name
	}
	return p.DeviceID
}

func (m *monitorModel) updatePodList() {
	selectedID := ""
	if item := m.selectedItem(); item != nil {
		selectedID = item.id
	}
	if m.session.Selected != "" {
		selectedID = m.session.Selected
	}

	items := make([]podItem, 0, len(m.session.Pods)+len(m.session.Scanned))
	for _, id := range m.session.PodIDs() {
		p := m.session.Pods[id]
		items = append(items, podItem{
			id:        id,
			name:      p.Name,
			state:     p.State,
			connected: true,
			location:  p.Location,
			battery:   p.Battery,
			demo:      p.Demo,
		})
	}
	for _, d := range m.session.ScannedDevices() {
		if _, ok := m.session.Pods[d.ID]; ok {
			continue
		}
		items = append(items, podItem{id: d.ID, name: d.Name, rssi: d.RSSI})
	}
	m.items = items

	listItems := make([]list.Item, len(items))
	selectedIdx := 0
	for i, it := range items {
		listItems[i] = it
		if it.id == selectedID {
			selectedIdx = i
		}
	}
	m.podList.SetItems(listItems)
	if len(items) > 0 {
		m.podList.Select(selectedIdx)
	}
}

// syncSelection tells the manager which pod the cursor is on.
func (m *monitorModel) syncSelection() {
	item := m.selectedItem()
	if item == nil || !item.connected || item.id == m.session.Selected {
		return
	}
	if err := m.mgr.SelectPod(item.id); err != nil {
		m.addLogEntry(err.Error(), true)
	}
}

func (m *monitorModel) selectedItem() *podItem {
	idx := m.podList.Index()
	if idx < 0 || idx >= len(m.items) {
		return nil
	}
	return &m.items[idx]
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	focusedBoxStyle = boxStyle.
			BorderForeground(lipgloss.Color("12"))
)

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	mode := m.connInfo
	if m.session.Demo {
		mode = warningStyle.Render("DEMO") + headerStyle.Render(" | "+m.connInfo)
	}
	s.WriteString(titleStyle.Render("FORMTRACKER MONITOR"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render("| ") + mode)
	if m.session.Phase == podlink.Scanning {
		s.WriteString(" " + warningStyle.Render("scanning..."))
	}
	s.WriteString("\n")
	s.WriteString(headerStyle.Render("q=quit s=scan enter=connect x=disconnect 1/2/3/0=left/right/waist/clear w=save r=restore D=demo"))
	s.WriteString("\n\n")

	leftWidth := 36
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 30 {
		rightWidth = 30
	}

	listPanel := focusedBoxStyle.Width(leftWidth).Render(m.podList.View())
	detailPanel := boxStyle.Width(rightWidth).Render(m.renderDetail())
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, listPanel, " ", detailPanel))
	s.WriteString("\n")

	s.WriteString(m.renderAssignments())
	s.WriteString("\n")
	s.WriteString(m.renderEventLog())

	return s.String()
}

func (m monitorModel) renderDetail() string {
	item := m.selectedItem()
	if item == nil {
		return headerStyle.Render("No pods yet. Press s to scan or D for demo mode.")
	}
	if !item.connected {
		return fmt.Sprintf("%s %s\n%s %s\n\n%s",
			statsLabelStyle.Render("Pod:"), item.Title(),
			statsLabelStyle.Render("ID:"), item.id,
			headerStyle.Render("Press enter to connect"))
	}

	pod := m.session.Pods[item.id]
	var s strings.Builder

	stateStyle := statsValueStyle
	if pod.State != podlink.Connected {
		stateStyle = warningStyle
	}
	fmt.Fprintf(&s, "%s %s   %s %s\n",
		statsLabelStyle.Render("Pod:"), podLabel(pod),
		statsLabelStyle.Render("State:"), stateStyle.Render(pod.State.String()))

	battery := "-"
	if pod.Battery != nil {
		battery = fmt.Sprintf("%d%%", *pod.Battery)
	}
	location := "unassigned"
	if pod.Location != podlink.LocationNone {
		location = pod.Location.Label()
	}
	synced := "no"
	if pod.TimeSynced {
		synced = "yes"
	}
	fmt.Fprintf(&s, "%s %s   %s %s   %s %s\n\n",
		statsLabelStyle.Render("Battery:"), statsValueStyle.Render(battery),
		statsLabelStyle.Render("Location:"), statsValueStyle.Render(location),
		statsLabelStyle.Render("Synced:"), statsValueStyle.Render(synced))

	if p := pod.LatestPacket; p != nil {
		fmt.Fprintf(&s, "%s %s   %s %s\n",
			statsLabelStyle.Render("Cadence:"), statsValueStyle.Render(fmt.Sprintf("%d spm", p.Cadence)),
			statsLabelStyle.Render("Ground contact:"), statsValueStyle.Render(fmt.Sprintf("%d ms", p.GroundContactTime)))
		fmt.Fprintf(&s, "%s %s   %s %s\n",
			statsLabelStyle.Render("Vertical osc:"), statsValueStyle.Render(fmt.Sprintf("%.1f cm", p.VerticalOscillationCM())),
			statsLabelStyle.Render("Phase:"), statsValueStyle.Render(p.StridePhase.String()))
		fmt.Fprintf(&s, "%s %s\n\n",
			statsLabelStyle.Render("Flags:"), statsValueStyle.Render(podwire.FormatFlags(p.Flags)))
	} else {
		s.WriteString(headerStyle.Render("Waiting for telemetry..."))
		s.WriteString("\n\n")
	}

	s.WriteString(renderStats(pod.Stats))
	return s.String()
}

func renderStats(st podwire.Statistics) string {
	var validPercent, errorPercent float64
	errors := st.CRCErrors + st.MalformedPackets + st.AnomalousValues
	if st.TotalPackets > 0 {
		validPercent = float64(st.ValidPackets) * 100.0 / float64(st.TotalPackets)
		errorPercent = float64(errors) * 100.0 / float64(st.TotalPackets)
	}

	errText := statsValueStyle.Render("0.0%")
	if errorPercent > 0 {
		errText = errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}
	return fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", st.TotalPackets)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Errors:"), errText,
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkt/s", st.PacketRate)),
	)
}

func (m monitorModel) renderAssignments() string {
	var parts []string
	for _, loc := range podlink.BodyLocations {
		holder := headerStyle.Render("-")
		if id, ok := m.session.Holder(loc); ok {
			holder = statsValueStyle.Render(podLabel(m.session.Pods[id]))
		}
		parts = append(parts, fmt.Sprintf("%s %s", statsLabelStyle.Render(loc.Label()+":"), holder))
	}
	saved := headerStyle.Render(fmt.Sprintf("(%d saved)", len(m.session.Assignments)))
	return boxStyle.Width(m.width - 4).Render(strings.Join(parts, "   ") + "   " + saved)
}

func (m monitorModel) renderEventLog() string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	logHeight := m.height - 24
	if logHeight < 4 {
		logHeight = 4
	}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyle
			}
			fmt.Fprintf(&s, "%s %s %s\n",
				headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
				style.Render(icon),
				entry.message)
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m *monitorModel) updateListSize() {
	listHeight := m.height / 2
	if listHeight < 6 {
		listHeight = 6
	}
	m.podList.SetSize(34, listHeight)
}
