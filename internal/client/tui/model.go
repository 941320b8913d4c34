// Package tui renders the conversation list and the open thread in the terminal.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/qpoint/qpmsg/internal/client/chat"
	"github.com/qpoint/qpmsg/internal/client/models"
)

type viewState int

const (
	viewConversations viewState = iota
	viewChat
)

// --- Messages ---

type eventMsg struct {
	event chat.Event
}

type eventsClosed struct{}

type loadDone struct {
	err error
}

type selectDone struct {
	otherUserID int64
	err         error
}

type sendDone struct {
	content string
	err     error
}

type Model struct {
	ctx       context.Context
	messenger *chat.Messenger
	me        models.Principal

	// Conversations
	conversations []models.Conversation
	selected      int
	listErr       error

	// Thread
	messages     []models.Message
	threadState  chat.State
	threadErr    error
	current      models.Conversation
	messageInput textinput.Model
	chatViewport viewport.Model
	sending      bool
	sendErr      error

	// UI
	online bool
	status string
	view   viewState
	width  int
	height int
}

func New(ctx context.Context, m *chat.Messenger) Model {
	messageInput := textinput.New()
	messageInput.Placeholder = "Type a message..."
	messageInput.CharLimit = 1000
	messageInput.Width = 50

	return Model{
		ctx:          ctx,
		messenger:    m,
		me:           m.Principal(),
		messageInput: messageInput,
		chatViewport: viewport.New(80, 20),
		view:         viewConversations,
	}
}

// --- Commands ---

func listenForEvents(events <-chan chat.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return eventsClosed{}
		}
		return eventMsg{event: e}
	}
}

func (m Model) loadConversations() tea.Cmd {
	return func() tea.Msg {
		return loadDone{err: m.messenger.Aggregator.Load(m.ctx)}
	}
}

func (m Model) selectConversation(c models.Conversation) tea.Cmd {
	return func() tea.Msg {
		return selectDone{otherUserID: c.OtherUserID, err: m.messenger.Thread.Select(m.ctx, c)}
	}
}

func (m Model) retryThread() tea.Cmd {
	return func() tea.Msg {
		return selectDone{otherUserID: m.current.OtherUserID, err: m.messenger.Thread.Retry(m.ctx)}
	}
}

func (m Model) send(content string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.messenger.Thread.Send(m.ctx, content, models.TypeText, "")
		return sendDone{content: content, err: err}
	}
}

// --- Init ---

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		listenForEvents(m.messenger.Events()),
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.view == viewConversations {
				return m, tea.Quit
			}

		case "esc":
			if m.view == viewChat {
				m.view = viewConversations
				m.messageInput.Blur()
				m.sendErr = nil
				return m, nil
			}

		case "up", "k":
			if m.view == viewConversations && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.view == viewConversations && m.selected < len(m.conversations)-1 {
				m.selected++
			}

		case "r":
			if m.view == viewConversations {
				m.status = "Refreshing..."
				return m, m.loadConversations()
			}

		case "ctrl+r":
			if m.view == viewChat && m.threadState == chat.Failed {
				return m, m.retryThread()
			}

		case "enter":
			switch m.view {
			case viewConversations:
				if len(m.conversations) > 0 {
					c := m.conversations[m.selected]
					m.current = c
					m.view = viewChat
					m.messages = nil
					m.threadState = chat.Loading
					m.threadErr = nil
					m.sendErr = nil
					m.messageInput.Focus()
					m.updateChatViewport()
					return m, m.selectConversation(c)
				}

			case viewChat:
				content := m.messageInput.Value()
				if strings.TrimSpace(content) != "" && !m.sending {
					// the input is cleared only once the store acknowledges
					m.sending = true
					m.sendErr = nil
					return m, m.send(content)
				}
				return m, nil
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatViewport.Width = msg.Width - 4
		m.chatViewport.Height = msg.Height - 8
		m.messageInput.Width = max(msg.Width-6, 10)
		m.updateChatViewport()

	case eventMsg:
		m.applyEvent(msg.event)
		cmds = append(cmds, listenForEvents(m.messenger.Events()))

	case eventsClosed:
		// the messenger is gone; nothing will re-arm the listener
		m.online = false
		m.status = "Session closed"
		return m, nil

	case loadDone:
		m.status = ""
		m.refreshConversations()

	case selectDone:
		m.refreshThread()
		m.refreshConversations()
		if msg.err != nil && !isFetchError(msg.err) {
			m.status = "Could not mark as read: " + msg.err.Error()
		}

	case sendDone:
		m.sending = false
		if msg.err != nil {
			m.sendErr = msg.err
		} else {
			if m.messageInput.Value() == msg.content {
				m.messageInput.SetValue("")
			}
			m.sendErr = nil
		}
		m.refreshThread()
	}

	if m.view == viewChat {
		var cmd tea.Cmd
		m.messageInput, cmd = m.messageInput.Update(msg)
		cmds = append(cmds, cmd)
		m.chatViewport, cmd = m.chatViewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) applyEvent(e chat.Event) {
	switch e.Kind {
	case chat.ConversationsChanged:
		m.refreshConversations()
	case chat.ThreadChanged:
		m.refreshThread()
	case chat.ChannelUp:
		m.online = true
	case chat.ChannelDown:
		m.online = false
	case chat.Error:
		m.refreshConversations()
	}
}

func (m *Model) refreshConversations() {
	m.conversations = m.messenger.Aggregator.Conversations()
	m.listErr = m.messenger.Aggregator.Err()
	if m.selected >= len(m.conversations) {
		m.selected = max(len(m.conversations)-1, 0)
	}
}

func (m *Model) refreshThread() {
	if sel, ok := m.messenger.Thread.Selected(); ok && sel.OtherUserID == m.current.OtherUserID {
		m.messages = m.messenger.Thread.Messages()
		m.threadState = m.messenger.Thread.State()
		m.threadErr = m.messenger.Thread.Err()
	}
	m.updateChatViewport()
}

func isFetchError(err error) bool {
	var ferr *chat.FetchError
	return errors.As(err, &ferr)
}

func (m *Model) updateChatViewport() {
	var content strings.Builder
	for _, msg := range m.messages {
		timestamp := msg.CreatedAt.Local().Format("15:04")
		style := otherMessageStyle
		name := msg.SenderUsername
		if msg.SenderID == m.me.ID {
			style = ownMessageStyle
			name = m.me.Username
		}
		if name == "" {
			name = m.current.OtherUsername
		}
		body := msg.Content
		if msg.Type == models.TypeImage {
			body = mutedStyle.Render("[image] "+msg.AttachmentRef) + " " + body
		}
		content.WriteString(fmt.Sprintf("%s %s: %s\n",
			mutedStyle.Render(timestamp),
			style.Render(name),
			body,
		))
	}
	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

// --- View ---

func (m Model) View() string {
	switch m.view {
	case viewChat:
		return m.chatView()
	default:
		return m.conversationsView()
	}
}

func (m Model) header(title string) string {
	conn := warnStyle.Render("○ offline")
	if m.online {
		conn = selectedStyle.Render("● live")
	}
	return titleStyle.Render(title) + " " + conn
}

func (m Model) conversationsView() string {
	var s strings.Builder

	title := fmt.Sprintf("QPMSG - %s", m.me.Name())
	if n := m.messenger.Aggregator.TotalUnread(); n > 0 {
		title += fmt.Sprintf(" (%d unread)", n)
	}
	s.WriteString(m.header(title))
	s.WriteString("\n\n")

	if m.listErr != nil {
		s.WriteString(errorStyle.Render("  Failed to load conversations: " + m.listErr.Error()))
		s.WriteString("\n")
		s.WriteString(helpStyle.Render("  Press r to retry"))
		s.WriteString("\n\n")
	}

	if len(m.conversations) == 0 {
		s.WriteString(mutedStyle.Render("  No conversations yet.\n"))
	} else {
		for i, c := range m.conversations {
			prefix := "  "
			style := lipgloss.NewStyle()
			if i == m.selected {
				prefix = "→ "
				style = selectedStyle
			}
			line := style.Render(prefix + c.Title())
			if c.UnreadCount > 0 {
				line += " " + unreadStyle.Render(fmt.Sprintf("(%d)", c.UnreadCount))
			}
			preview := c.LastMessagePreview
			if c.LastMessageTime != nil {
				preview = c.LastMessageTime.Local().Format("Jan 2 15:04") + "  " + preview
			}
			s.WriteString(line + "\n")
			s.WriteString(mutedStyle.Render("    "+truncate(preview, 60)) + "\n")
		}
	}

	if m.status != "" {
		s.WriteString("\n" + mutedStyle.Render("  "+m.status) + "\n")
	}
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter to open • r to refresh • q to quit"))

	return s.String()
}

func (m Model) chatView() string {
	var s strings.Builder
	width := max(m.width-2, 10)

	s.WriteString(m.header("💬 " + m.current.Title()))
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", width))
	s.WriteString("\n")

	switch m.threadState {
	case chat.Loading:
		s.WriteString(mutedStyle.Render("Loading messages..."))
		s.WriteString("\n")
	case chat.Failed:
		msg := "Failed to load messages"
		if m.threadErr != nil {
			msg += ": " + m.threadErr.Error()
		}
		s.WriteString(errorStyle.Render(msg))
		s.WriteString("\n")
		s.WriteString(helpStyle.Render("Press Ctrl+R to retry"))
		s.WriteString("\n")
	default:
		s.WriteString(m.chatViewport.View())
		s.WriteString("\n")
	}

	s.WriteString(strings.Repeat("─", width))
	s.WriteString("\n")
	if m.sendErr != nil {
		s.WriteString(errorStyle.Render("Not sent: " + m.sendErr.Error()))
		s.WriteString("\n")
	}
	s.WriteString(m.messageInput.View())
	s.WriteString("\n")
	if m.sending {
		s.WriteString(mutedStyle.Render("Sending..."))
	} else {
		s.WriteString(helpStyle.Render("Enter to send • Esc to go back"))
	}

	return s.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
