package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/puyokura/cmpprelay/history"
	"github.com/puyokura/cmpprelay/model"
	"github.com/puyokura/cmpprelay/session"
)

const (
	typingIdle    = 3 * time.Second
	requestWait   = 10 * time.Second
	headerHeight  = 1
	footerHeight  = 3
	senderColumns = 15
)

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#7D56F4")).Padding(0, 1)
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF"))
	peerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF5F"))
	statusStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
)

type eventMsg model.Event

type changeMsg session.Change

type loadedMsg struct {
	n   int
	err error
}

type submittedMsg struct {
	relayed bool
	err     error
}

type refreshedMsg struct {
	n   int
	err error
}

type retryRefreshMsg struct{}

type markedMsg struct{ err error }

type typingIdleMsg struct{ seq int }

type modelState struct {
	net  *Network
	view *history.View
	peer string

	viewport  viewport.Model
	textInput textinput.Model
	ready     bool

	state      session.State
	wasDown    bool
	online     []string
	peerTyping bool
	typing     bool
	typingSeq  int
	status     string
}

func initialModel(n *Network, view *history.View, peer string) modelState {
	ti := textinput.New()
	ti.Placeholder = "Type a message..."
	ti.Focus()
	ti.CharLimit = 4000
	ti.Width = 20

	return modelState{
		net:       n,
		view:      view,
		peer:      peer,
		textInput: ti,
		state:     session.Connecting,
	}
}

func (m modelState) waitForEvent() tea.Msg {
	return eventMsg(<-m.net.Session.Events())
}

func (m modelState) waitForChange() tea.Msg {
	return changeMsg(<-m.net.Session.Changes())
}

func (m modelState) loadOlder() tea.Cmd {
	view := m.view
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()
		n, err := view.LoadOlder(ctx)
		return loadedMsg{n: n, err: err}
	}
}

// noteState records a session state and returns a refresh when the
// connection comes back after being down.
func (m *modelState) noteState(st session.State) tea.Cmd {
	m.state = st
	switch st {
	case session.Reconnecting, session.Disconnected:
		m.wasDown = true
	case session.Connected:
		if m.wasDown {
			m.wasDown = false
			return m.refresh()
		}
	}
	return nil
}

// refresh merges messages persisted while the relay connection was down.
func (m modelState) refresh() tea.Cmd {
	view := m.view
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()
		n, err := view.Refresh(ctx)
		return refreshedMsg{n: n, err: err}
	}
}

func (m modelState) markRead() tea.Cmd {
	view := m.view
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()
		return markedMsg{err: view.MarkAllRead(ctx)}
	}
}

// submit persists content, then relays it to the peer. A relay failure
// leaves the message in history for the peer to load later.
func (m modelState) submit(content string) tea.Cmd {
	view, sess, peer := m.view, m.net.Session, m.peer
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()
		_, out, err := view.Submit(ctx, content)
		if err != nil {
			return submittedMsg{err: err}
		}
		out.To = peer
		err = sess.Emit(model.EventPrivateMessage, out)
		return submittedMsg{relayed: err == nil}
	}
}

func (m modelState) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForEvent, m.waitForChange, m.loadOlder())
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.stopTyping()
			return m, tea.Quit
		case tea.KeyCtrlR:
			if err := m.net.Session.Connect(context.Background()); err != nil && !errors.Is(err, session.ErrAlreadyActive) {
				m.status = err.Error()
			}
			return m, nil
		case tea.KeyPgUp:
			if m.viewport.AtTop() && m.view.HasMore() && !m.view.Loading() {
				m.status = "loading older messages..."
				return m, m.loadOlder()
			}
		case tea.KeyEnter:
			content := strings.TrimSpace(m.textInput.Value())
			if content == "" {
				return m, nil
			}
			m.textInput.SetValue("")
			m.stopTyping()
			return m, m.submit(content)
		}
		before := m.textInput.Value()
		m.textInput, tiCmd = m.textInput.Update(msg)
		if m.textInput.Value() != before {
			return m, tea.Batch(tiCmd, m.startTyping())
		}
		m.viewport, vpCmd = m.viewport.Update(msg)
		return m, tea.Batch(tiCmd, vpCmd)

	case tea.WindowSizeMsg:
		verticalMarginHeight := headerHeight + footerHeight
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}
		m.textInput.Width = msg.Width - 3
		m.render(true)
		return m, nil

	case eventMsg:
		cmd := m.handleEvent(model.Event(msg))
		return m, tea.Batch(cmd, m.waitForEvent)

	case changeMsg:
		cmd := m.noteState(msg.State)
		switch {
		case msg.State == session.Disconnected && msg.Err != nil:
			m.status = "disconnected: " + msg.Err.Error() + " (ctrl+r to reconnect)"
		case msg.Err != nil:
			m.status = msg.Err.Error()
		default:
			m.status = ""
		}
		return m, tea.Batch(cmd, m.waitForChange)

	case refreshedMsg:
		switch {
		case errors.Is(msg.err, history.ErrFetchInFlight):
			return m, tea.Tick(time.Second, func(time.Time) tea.Msg { return retryRefreshMsg{} })
		case msg.err != nil:
			m.status = "refresh failed: " + msg.err.Error()
			return m, nil
		case msg.n > 0:
			m.render(m.viewport.AtBottom())
			return m, m.markRead()
		}
		return m, nil

	case retryRefreshMsg:
		return m, m.refresh()

	case loadedMsg:
		if msg.err != nil {
			m.status = "load failed: " + msg.err.Error()
			return m, nil
		}
		m.status = ""
		old := m.viewport.TotalLineCount()
		first := old == 0
		m.render(first)
		if !first {
			m.viewport.SetYOffset(m.viewport.TotalLineCount() - old)
		}
		return m, m.markRead()

	case submittedMsg:
		switch {
		case msg.err != nil:
			m.status = "send failed: " + msg.err.Error()
		case !msg.relayed:
			m.status = "saved; " + m.peer + " will see it on next load"
		default:
			m.status = ""
		}
		m.render(true)
		return m, nil

	case markedMsg:
		if msg.err != nil {
			m.status = "mark read failed: " + msg.err.Error()
		}
		return m, nil

	case typingIdleMsg:
		if msg.seq == m.typingSeq {
			m.stopTyping()
		}
		return m, nil
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *modelState) handleEvent(ev model.Event) tea.Cmd {
	switch ev.Type {
	case model.EventOnlineUsers:
		var ids []string
		if err := ev.Decode(&ids); err == nil {
			m.online = ids
		}
	case model.EventPrivateMessage:
		var pm model.PrivateMessage
		if err := ev.Decode(&pm); err != nil {
			return nil
		}
		if pm.From != m.peer && pm.From != m.net.Self {
			m.status = "new message from " + pm.From
			return nil
		}
		m.peerTyping = false
		if m.view.AppendLive(pm) {
			m.render(m.viewport.AtBottom())
			return m.markRead()
		}
	case model.EventUserTyping, model.EventUserStopTyping:
		var t model.Typing
		if err := ev.Decode(&t); err == nil && t.From == m.peer {
			m.peerTyping = ev.Type == model.EventUserTyping
		}
	case model.EventError:
		var e model.ErrorPayload
		if err := ev.Decode(&e); err == nil {
			m.status = e.Code + ": " + e.Message
		}
	}
	return nil
}

func (m *modelState) startTyping() tea.Cmd {
	if !m.typing {
		if err := m.net.Session.Emit(model.EventTyping, model.Typing{To: m.peer}); err == nil {
			m.typing = true
		}
	}
	m.typingSeq++
	seq := m.typingSeq
	return tea.Tick(typingIdle, func(time.Time) tea.Msg { return typingIdleMsg{seq: seq} })
}

func (m *modelState) stopTyping() {
	if !m.typing {
		return
	}
	m.typing = false
	m.net.Session.Emit(model.EventStopTyping, model.Typing{To: m.peer})
}

// render rebuilds the viewport from the view, optionally following the tail.
func (m *modelState) render(follow bool) {
	if !m.ready {
		return
	}
	var b strings.Builder
	for _, msg := range m.view.Messages() {
		b.WriteString(formatMessage(msg, m.net.Self, m.viewport.Width))
	}
	m.viewport.SetContent(b.String())
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	header := fmt.Sprintf("%s · %s", m.peer, m.state)
	if len(m.online) > 0 {
		header += " · online: " + strings.Join(m.online, ", ")
	}

	footer := ""
	switch {
	case m.peerTyping:
		footer = statusStyle.Render(m.peer + " is typing...")
	case m.status != "":
		footer = errorStyle.Render(m.status)
	}

	return fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		headerStyle.Render(header),
		m.viewport.View(),
		footer,
		borderStyle.Render(strings.Repeat("─", m.viewport.Width)),
		m.textInput.View(),
	)
}

// formatMessage lays a message out as
//
//	│ 15:04 │ sender          │ text, wrapped to the width
//
// with continuation lines indented under the text column.
func formatMessage(msg model.Message, self string, width int) string {
	if width < 50 {
		width = 80
	}

	sender := msg.Sender.DisplayName
	if sender == "" {
		sender = msg.Sender.Username
	}
	if sender == "" {
		sender = "unknown"
	}
	if lipgloss.Width(sender) > senderColumns {
		sender = string([]rune(sender)[:senderColumns-1]) + "…"
	}
	sender += strings.Repeat(" ", max(0, senderColumns-lipgloss.Width(sender)))
	style := peerStyle
	if msg.Sender.Username == self {
		style = selfStyle
		if msg.Read {
			sender = strings.TrimRight(sender, " ")
			sender += strings.Repeat(" ", max(0, senderColumns-1-lipgloss.Width(sender))) + "✓"
		}
	}

	vLine := borderStyle.Render("│")
	prefix := fmt.Sprintf("%s %s %s %s %s ", vLine, msg.CreatedAt.Local().Format("15:04"), vLine, style.Render(sender), vLine)
	emptyPrefix := fmt.Sprintf("%s %s %s %s %s ", vLine, strings.Repeat(" ", 5), vLine, strings.Repeat(" ", senderColumns), vLine)

	msgWidth := max(10, width-lipgloss.Width(prefix))
	wrapped := lipgloss.NewStyle().Width(msgWidth).Render(parseColorTags(msg.Content))

	var result strings.Builder
	for i, line := range strings.Split(wrapped, "\n") {
		if i == 0 {
			result.WriteString(prefix)
		} else {
			result.WriteString(emptyPrefix)
		}
		result.WriteString(line)
		result.WriteString("\n")
	}
	return result.String()
}

// parseColorTags renders "<#RRGGBB>text</>" spans in color. Malformed tags
// are printed as typed.
func parseColorTags(input string) string {
	var out strings.Builder
	rest := input
	for {
		before, after, found := strings.Cut(rest, "<#")
		out.WriteString(before)
		if !found {
			return out.String()
		}
		code, body, ok := strings.Cut(after, ">")
		if !ok {
			out.WriteString("<#" + after)
			return out.String()
		}
		text, tail, ok := strings.Cut(body, "</>")
		if !ok {
			out.WriteString("<#" + code + ">" + body)
			return out.String()
		}
		out.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("#" + code)).Render(text))
		rest = tail
	}
}
