package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/hal"
	"github.com/spihlava/SovelmaOS/kernel"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB")).
			Bold(true)

	exitStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	crashStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	consoleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type monitorModel struct {
	k      *kernel.Kernel
	cancel context.CancelFunc
	exited <-chan struct{}
	runErr *error

	tasks   table.Model
	events  []sovelma.Event
	console []hal.Line
	capLive int
	capMax  int
	live    int
	done    bool
	stopErr error
}

type tickMsg time.Time

type kernelDoneMsg struct {
	err error
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitKernel(done <-chan struct{}, errp *error) tea.Cmd {
	return func() tea.Msg {
		<-done
		return kernelDoneMsg{err: *errp}
	}
}

func newMonitorModel(k *kernel.Kernel, cancel context.CancelFunc, exited <-chan struct{}, runErr *error) *monitorModel {
	columns := []table.Column{
		{Title: "ID", Width: 8},
		{Title: "Name", Width: 18},
		{Title: "Priority", Width: 9},
		{Title: "State", Width: 11},
		{Title: "Caps", Width: 5},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(6),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#7D56F4")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4")).
		Bold(false)
	t.SetStyles(s)

	m := &monitorModel{k: k, cancel: cancel, exited: exited, runErr: runErr, tasks: t}
	m.refresh()
	return m
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(tick(), waitKernel(m.exited, m.runErr))
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.cancel()
			return m, tea.Quit

		case "t":
			if row := m.tasks.SelectedRow(); row != nil && !m.done {
				if id, ok := parseTaskID(row[0]); ok {
					_ = m.k.Terminate(id, "terminated from monitor")
					m.refresh()
				}
			}
			return m, nil
		}

	case tickMsg:
		if m.done {
			return m, nil
		}
		m.refresh()
		return m, tick()

	case kernelDoneMsg:
		m.done = true
		if msg.err != nil && msg.err != context.Canceled {
			m.stopErr = msg.err
		}
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.tasks, cmd = m.tasks.Update(msg)
	return m, cmd
}

func (m *monitorModel) refresh() {
	infos := m.k.Tasks()
	rows := make([]table.Row, len(infos))
	for i, ti := range infos {
		rows[i] = table.Row{
			ti.ID.String(),
			ti.Name,
			ti.Priority.String(),
			ti.State.String(),
			strconv.Itoa(ti.Caps),
		}
	}
	m.tasks.SetRows(rows)
	m.live = len(infos)
	m.events = m.k.Events(8)
	m.console = m.k.Console().Tail(kernel.ConsolePort, 8)
	m.capLive, m.capMax = m.k.Caps()
}

func parseTaskID(s string) (sovelma.TaskID, bool) {
	num, ok := strings.CutPrefix(s, "task-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, false
	}
	return sovelma.TaskID(n), true
}

func (m *monitorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("SovelmaOS"))
	b.WriteString(fmt.Sprintf("  %d tasks • %d/%d capabilities\n\n", m.live, m.capLive, m.capMax))

	b.WriteString(m.tasks.View())
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render("Events"))
	b.WriteString("\n")
	if len(m.events) == 0 {
		b.WriteString(helpStyle.Render("none yet"))
		b.WriteString("\n")
	}
	for _, ev := range m.events {
		at := ev.At.Format(time.TimeOnly)
		switch ev.Kind {
		case sovelma.EventExit:
			b.WriteString(exitStyle.Render(fmt.Sprintf("%s %s exited (%d)", at, ev.Name, ev.Code)))
		case sovelma.EventCrash:
			b.WriteString(crashStyle.Render(fmt.Sprintf("%s %s crashed: %s", at, ev.Name, ev.Reason)))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("Console"))
	b.WriteString("\n")
	if len(m.console) == 0 {
		b.WriteString(helpStyle.Render("silent"))
		b.WriteString("\n")
	}
	for _, ln := range m.console {
		b.WriteString(consoleStyle.Render(ln.Text))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch {
	case m.stopErr != nil:
		b.WriteString(crashStyle.Render(fmt.Sprintf("kernel stopped: %v", m.stopErr)))
	case m.done:
		b.WriteString(helpStyle.Render("all tasks finished"))
	default:
		b.WriteString(helpStyle.Render("running"))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select • t terminate • q quit"))

	return b.String()
}

func runMonitor(ctx context.Context, k *kernel.Kernel) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runErr error
	exited := make(chan struct{})
	go func() {
		runErr = k.Run(runCtx)
		close(exited)
	}()

	p := tea.NewProgram(newMonitorModel(k, cancel, exited, &runErr), tea.WithAltScreen())
	_, err := p.Run()

	cancel()
	<-exited
	if sderr := k.Shutdown(); err == nil {
		err = sderr
	}
	return err
}
