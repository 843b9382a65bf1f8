// Command medsync-tui starts the MedSync terminal dashboard. It attaches
// to a running medsync daemon over the localhost status API and mirrors
// queue state live: pending actions, connectivity, sync outcomes, and
// the dead-letter journal.
//
// Usage:
//
//	go run ./cmd/medsync-tui --addr http://127.0.0.1:7865
//
// The dashboard provides:
//   - Live queue view fed by the /api/events WebSocket stream
//   - Dead-letter browsing with one-key requeue
//   - Manual sync and queue-clear controls
//   - Works over SSH, tmux, screen — no GUI needed
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/medinvest/medsync/internal/status"
	"github.com/medinvest/medsync/internal/store"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:7865", "status API address of the medsync daemon")
	flag.Parse()

	// Log to a file: stdout is owned by the TUI.
	logFile, err := os.OpenFile("medsync-tui.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close() //nolint:errcheck

	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	base := strings.TrimRight(*addr, "/")
	model := newDashModel(base, logger)
	program := tea.NewProgram(model, tea.WithAltScreen())

	// The event stream runs beside the TUI and feeds it frames via
	// program.Send. It dies with the process when the TUI exits.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go streamEvents(ctx, base, program, logger)

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error running dashboard: %v\n", err)
		os.Exit(1)
	}
}

// streamEvents holds the /api/events WebSocket open and forwards frames
// into the Bubble Tea program, reconnecting with a flat delay when the
// daemon restarts.
func streamEvents(ctx context.Context, base string, program *tea.Program, logger *slog.Logger) {
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/api/events"

	for ctx.Err() == nil {
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			logger.Warn("event stream dial failed", "error", err)
			program.Send(streamStateMsg{connected: false})
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		program.Send(streamStateMsg{connected: true})
		for {
			var frame status.WSEvent
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				logger.Warn("event stream closed", "error", err)
				break
			}
			program.Send(frameMsg{frame})
		}
		conn.Close(websocket.StatusNormalClosure, "reconnecting") //nolint:errcheck
		program.Send(streamStateMsg{connected: false})
	}
}

// ─────────────────────────────────────────────────────
// Bubble Tea messages
// ─────────────────────────────────────────────────────

type frameMsg struct {
	event status.WSEvent
}

type streamStateMsg struct {
	connected bool
}

type deadLettersMsg struct {
	letters []store.DeadLetter
}

type commandDoneMsg struct {
	note string
	err  error
}

type tickMsg struct{}

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	// Colors
	primaryColor = lipgloss.Color("#0D9488") // teal
	accentColor  = lipgloss.Color("#06B6D4") // cyan
	mutedColor   = lipgloss.Color("#6B7280") // gray
	successColor = lipgloss.Color("#10B981") // green
	errorColor   = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)

	panelTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))

	selectedRow = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	mutedText = lipgloss.NewStyle().
			Foreground(mutedColor)

	onlineBadge = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineBadge = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	noteStyle = lipgloss.NewStyle().
			Foreground(warnColor)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

// ─────────────────────────────────────────────────────
// Dashboard model
// ─────────────────────────────────────────────────────

type dashModel struct {
	base   string
	logger *slog.Logger
	client *http.Client

	queue   viewport.Model
	frame   status.WSEvent
	letters []store.DeadLetter
	dlSel   int

	streaming bool
	note      string
	width     int
	height    int
	ready     bool
}

func newDashModel(base string, logger *slog.Logger) dashModel {
	return dashModel{
		base:   base,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.fetchDeadLetters(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			m.note = "sync requested..."
			return m, m.postCommand("/api/sync", "sync pass requested")
		case "c":
			m.note = "clearing queue..."
			return m, m.deleteCommand("/api/queue", "queue cleared")
		case "r":
			return m, m.fetchDeadLetters()
		case "j", "down":
			if m.dlSel < len(m.letters)-1 {
				m.dlSel++
			}
		case "k", "up":
			if m.dlSel > 0 {
				m.dlSel--
			}
		case "u":
			if m.dlSel < len(m.letters) {
				id := m.letters[m.dlSel].Action.ID
				m.note = "requeueing " + id + "..."
				return m, tea.Batch(
					m.postCommand("/api/deadletter/"+id+"/requeue", "requeued "+id),
					m.fetchDeadLetters(),
				)
			}
		}

	case frameMsg:
		m.frame = msg.event
		if msg.event.Type == "sync" && msg.event.Event != nil {
			switch msg.event.Event.Kind {
			case "sync.delivered":
				m.note = fmt.Sprintf("delivered %d action(s)", msg.event.Event.Count)
			case "action.dropped":
				m.note = "dropped " + msg.event.Event.ActionID + " (retries exhausted)"
				cmds = append(cmds, m.fetchDeadLetters())
			}
		}
		if m.ready {
			m.queue.SetContent(m.renderQueue())
		}

	case streamStateMsg:
		m.streaming = msg.connected
		if !msg.connected {
			m.note = "daemon unreachable, retrying..."
		}

	case deadLettersMsg:
		m.letters = msg.letters
		if m.dlSel >= len(m.letters) {
			m.dlSel = 0
		}

	case commandDoneMsg:
		if msg.err != nil {
			m.note = "error: " + msg.err.Error()
		} else {
			m.note = msg.note
		}

	case tickMsg:
		// Dead letters are not pushed over the stream; poll as backstop.
		cmds = append(cmds, m.fetchDeadLetters(), tickCmd())

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		queueH := m.height - 14 // header + dead-letter panel + footer
		if queueH < 3 {
			queueH = 3
		}
		if !m.ready {
			m.queue = viewport.New(m.width-4, queueH)
			m.ready = true
		} else {
			m.queue.Width = m.width - 4
			m.queue.Height = queueH
		}
		m.queue.SetContent(m.renderQueue())
	}

	var cmd tea.Cmd
	m.queue, cmd = m.queue.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m dashModel) View() string {
	if !m.ready {
		return "Connecting to medsync..."
	}

	st := m.frame.Status
	badge := offlineBadge.Render("● OFFLINE")
	if st.Online {
		badge = onlineBadge.Render("● ONLINE")
	}
	syncing := ""
	if st.Syncing {
		syncing = "  ⟳ syncing"
	}
	stream := mutedText.Render("stream: down")
	if m.streaming {
		stream = mutedText.Render("stream: live")
	}

	header := headerStyle.Width(m.width).Render(fmt.Sprintf(
		"  💊 MedSync  %s%s  │  %d pending  │  %s", badge, syncing, st.Count, stream,
	))

	queuePanel := panelStyle.Width(m.width - 2).Render(
		panelTitle.Render(" Pending actions ") + "\n" + m.queue.View(),
	)

	deadPanel := panelStyle.Width(m.width - 2).Render(
		panelTitle.Render(" Dead letters ") + "\n" + m.renderDeadLetters(),
	)

	note := ""
	if m.note != "" {
		note = noteStyle.Render("  " + m.note)
	}

	footer := footerStyle.Render(
		"  s: sync │ c: clear │ j/k: select dead letter │ u: requeue │ r: refresh │ q: quit",
	)

	return lipgloss.JoinVertical(lipgloss.Left, header, queuePanel, deadPanel, note, footer)
}

// ─────────────────────────────────────────────────────
// Rendering helpers
// ─────────────────────────────────────────────────────

func (m dashModel) renderQueue() string {
	if len(m.frame.Queue) == 0 {
		return mutedText.Render("  Queue is empty.")
	}

	var sb strings.Builder
	for _, a := range m.frame.Queue {
		line := fmt.Sprintf("  p%-3d %-14s %-28s retry %d/%d",
			a.Priority, a.Type, a.ID, a.RetryCount, a.MaxRetries)
		sb.WriteString(rowStyle.Render(line))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m dashModel) renderDeadLetters() string {
	if len(m.letters) == 0 {
		return mutedText.Render("  No dead letters.")
	}

	var sb strings.Builder
	for i, dl := range m.letters {
		marker := "  "
		style := rowStyle
		if i == m.dlSel {
			marker = "> "
			style = selectedRow
		}
		crit := ""
		if dl.Critical {
			crit = " [critical]"
		}
		line := fmt.Sprintf("%s%-14s %-28s %s%s", marker, dl.Action.Type,
			dl.Action.ID, dl.DroppedAt.Format("15:04:05"), crit)
		sb.WriteString(style.Render(line))
		sb.WriteString("\n")
		sb.WriteString(mutedText.Render("    " + truncate(dl.Error, 80)))
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// ─────────────────────────────────────────────────────
// Status API commands
// ─────────────────────────────────────────────────────

func (m dashModel) fetchDeadLetters() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.base + "/api/deadletter")
		if err != nil {
			return commandDoneMsg{err: err}
		}
		defer resp.Body.Close() //nolint:errcheck

		var out struct {
			Letters []store.DeadLetter `json:"letters"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return commandDoneMsg{err: err}
		}
		return deadLettersMsg{letters: out.Letters}
	}
}

func (m dashModel) postCommand(path, note string) tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Post(m.base+path, "application/json", bytes.NewReader(nil))
		if err != nil {
			return commandDoneMsg{err: err}
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode != http.StatusOK {
			return commandDoneMsg{err: fmt.Errorf("http %d", resp.StatusCode)}
		}
		return commandDoneMsg{note: note}
	}
}

func (m dashModel) deleteCommand(path, note string) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodDelete, m.base+path, nil)
		if err != nil {
			return commandDoneMsg{err: err}
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return commandDoneMsg{err: err}
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode != http.StatusOK {
			return commandDoneMsg{err: fmt.Errorf("http %d", resp.StatusCode)}
		}
		return commandDoneMsg{note: note}
	}
}
