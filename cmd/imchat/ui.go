package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sudooom.im.client/internal/archive"
	"sudooom.im.client/internal/connection"
	imErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/facade"
	"sudooom.im.client/internal/model"
)

const (
	requestTimeout = 15 * time.Second
	archiveLimit   = 200
	usersPaneWidth = 24
)

type focus int

const (
	focusLogin focus = iota
	focusUsers
	focusInput
)

type loginDoneMsg struct{ err error }

type usersMsg struct {
	users []model.User
	err   error
}

type peerLoadedMsg struct {
	peer model.ID
	err  error
}

type ackDoneMsg struct{ err error }

type reconnectDoneMsg struct{ err error }

type archiveMsg struct {
	msgs []model.Message
	err  error
}

// 门面变化信号
type (
	messagesChangedMsg      struct{}
	notificationsChangedMsg struct{}
	popupChangedMsg         struct{}
	stateChangedMsg         struct{}
)

type chatModel struct {
	f       *facade.Facade
	archive *archive.Store

	focus    focus
	login    textinput.Model
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	users       []model.User
	cursor      int
	log         []model.Message
	archived    []model.Message
	showArchive bool
	unread      int
	popup       *model.Notification
	loading     bool
	err         error

	width  int
	height int
}

func newChatModel(f *facade.Facade, store *archive.Store, credential string) chatModel {
	login := textinput.New()
	login.Placeholder = "paste credential"
	login.EchoMode = textinput.EchoPassword
	login.CharLimit = 4096
	login.Focus()

	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.CharLimit = 1000

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusStyle

	m := chatModel{
		f:        f,
		archive:  store,
		focus:    focusLogin,
		login:    login,
		input:    input,
		viewport: viewport.New(60, 20),
		spinner:  s,
		width:    90,
		height:   30,
	}
	if credential != "" {
		m.login.SetValue(credential)
		m.loading = true
	}
	return m
}

func (m chatModel) Init() tea.Cmd {
	cmds := []tea.Cmd{
		textinput.Blink,
		waitFor(m.f.MessagesChanged(), messagesChangedMsg{}),
		waitFor(m.f.NotificationsChanged(), notificationsChangedMsg{}),
		waitFor(m.f.PopupChanged(), popupChangedMsg{}),
		waitFor(m.f.StateChanged(), stateChangedMsg{}),
	}
	if m.login.Value() != "" {
		cmds = append(cmds, m.loginCmd(m.login.Value()), m.spinner.Tick)
	}
	return tea.Batch(cmds...)
}

// waitFor 把门面的变化信号转成 tea 消息，收到后需要重新订阅
func waitFor(ch <-chan struct{}, msg tea.Msg) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return msg
	}
}

func (m chatModel) loginCmd(credential string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return loginDoneMsg{err: m.f.Login(ctx, strings.TrimSpace(credential))}
	}
}

func (m chatModel) usersCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		users, err := m.f.Users(ctx)
		return usersMsg{users: users, err: err}
	}
}

func (m chatModel) selectPeerCmd(peer model.ID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return peerLoadedMsg{peer: peer, err: m.f.SelectPeer(ctx, peer)}
	}
}

func (m chatModel) reloadCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return peerLoadedMsg{peer: m.f.Peer(), err: m.f.LoadHistory(ctx)}
	}
}

func (m chatModel) ackCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return ackDoneMsg{err: m.f.AcknowledgeNotifications(ctx)}
	}
}

func (m chatModel) reconnectCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return reconnectDoneMsg{err: m.f.Reconnect(ctx)}
	}
}

func (m chatModel) archiveCmd() tea.Cmd {
	id, _ := m.f.Identity()
	peer := m.f.Peer()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := m.archive.Flush(ctx); err != nil {
			return archiveMsg{err: err}
		}
		msgs, err := m.archive.Conversation(ctx, id.ID, peer, archiveLimit)
		return archiveMsg{msgs: msgs, err: err}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.refreshViewport()
		return m, nil

	case loginDoneMsg:
		m.loading = false
		if msg.err != nil && imErrors.Is(msg.err, imErrors.ErrMalformedCredential) {
			m.err = msg.err
			return m, nil
		}
		// 连接失败不影响登录，状态栏显示断开
		m.err = msg.err
		m.focus = focusUsers
		m.login.Blur()
		return m, m.usersCmd()

	case usersMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		self, _ := m.f.Identity()
		m.users = m.users[:0]
		for _, u := range msg.users {
			if u.ID != self.ID {
				m.users = append(m.users, u)
			}
		}
		if m.cursor >= len(m.users) {
			m.cursor = 0
		}
		return m, nil

	case peerLoadedMsg:
		m.loading = false
		m.err = msg.err
		m.log = m.f.CurrentLog()
		m.refreshViewport()
		return m, nil

	case ackDoneMsg:
		m.err = msg.err
		m.unread = len(m.f.PendingNotifications())
		return m, nil

	case reconnectDoneMsg:
		m.err = msg.err
		return m, nil

	case archiveMsg:
		if msg.err != nil {
			m.err = msg.err
			m.showArchive = false
			return m, nil
		}
		m.archived = msg.msgs
		m.refreshViewport()
		return m, nil

	case messagesChangedMsg:
		m.log = m.f.CurrentLog()
		m.refreshViewport()
		return m, waitFor(m.f.MessagesChanged(), messagesChangedMsg{})

	case notificationsChangedMsg:
		m.unread = len(m.f.PendingNotifications())
		return m, waitFor(m.f.NotificationsChanged(), notificationsChangedMsg{})

	case popupChangedMsg:
		if n, ok := m.f.CurrentPopup(); ok {
			m.popup = &n
		} else {
			m.popup = nil
		}
		m.unread = len(m.f.PendingNotifications())
		return m, waitFor(m.f.PopupChanged(), popupChangedMsg{})

	case stateChangedMsg:
		return m, waitFor(m.f.StateChanged(), stateChangedMsg{})

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	}

	if m.focus == focusLogin {
		if msg.String() == "enter" && m.login.Value() != "" {
			m.loading = true
			m.err = nil
			return m, tea.Batch(m.loginCmd(m.login.Value()), m.spinner.Tick)
		}
		var cmd tea.Cmd
		m.login, cmd = m.login.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "tab":
		if m.focus == focusUsers {
			m.focus = focusInput
			m.input.SetValue(m.f.Draft())
			cmd := m.input.Focus()
			return m, cmd
		}
		m.f.SetDraft(m.input.Value())
		m.input.Blur()
		m.focus = focusUsers
		return m, nil
	case "ctrl+a":
		return m, m.ackCmd()
	case "ctrl+d":
		m.f.DismissPopup()
		return m, nil
	case "ctrl+r":
		if m.f.ConnectionState() == connection.StateDisconnected {
			return m, m.reconnectCmd()
		}
		return m, nil
	case "ctrl+l":
		if m.f.Peer().IsZero() {
			return m, nil
		}
		m.loading = true
		return m, tea.Batch(m.reloadCmd(), m.spinner.Tick)
	case "ctrl+h":
		if m.archive == nil || m.f.Peer().IsZero() {
			return m, nil
		}
		m.showArchive = !m.showArchive
		if m.showArchive {
			return m, m.archiveCmd()
		}
		m.refreshViewport()
		return m, nil
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	if m.focus == focusUsers {
		switch msg.String() {
		case "q", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.users)-1 {
				m.cursor++
			}
		case "r":
			return m, m.usersCmd()
		case "enter":
			if len(m.users) == 0 {
				return m, nil
			}
			peer := m.users[m.cursor].ID
			m.loading = true
			m.showArchive = false
			m.err = nil
			m.focus = focusInput
			focusCmd := m.input.Focus()
			return m, tea.Batch(m.selectPeerCmd(peer), m.spinner.Tick, focusCmd)
		}
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.f.SetDraft(m.input.Value())
		m.input.Blur()
		m.focus = focusUsers
		return m, nil
	case "enter":
		content := m.input.Value()
		m.f.SetDraft(content)
		if m.f.Send(content) {
			m.input.Reset()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *chatModel) resize() {
	w := m.width - usersPaneWidth - 6
	if w < 20 {
		w = 20
	}
	h := m.height - 9
	if h < 5 {
		h = 5
	}
	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 4
}

func (m *chatModel) refreshViewport() {
	msgs := m.log
	if m.showArchive {
		msgs = m.archived
	}
	self, _ := m.f.Identity()

	var b strings.Builder
	for _, msg := range msgs {
		header := messageHeaderStyle.Render(msg.CreatedAt.Local().Format("01-02 15:04"))
		if msg.SenderID == self.ID {
			b.WriteString(header + " " + messageFromMeStyle.Render("me: "+msg.Content))
		} else {
			b.WriteString(header + " " + messageFromOtherStyle.Render(msg.SenderID.String()+": "+msg.Content))
		}
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m chatModel) View() string {
	if m.focus == focusLogin {
		return m.loginView()
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")

	if m.popup != nil {
		b.WriteString(popupStyle.Render("🔔 " + m.popup.Content))
		b.WriteString("\n")
	}

	usersPane := paneStyle
	chatPane := paneStyle
	if m.focus == focusUsers {
		usersPane = focusedPaneStyle
	} else {
		chatPane = focusedPaneStyle
	}

	left := usersPane.Width(usersPaneWidth).Height(m.viewport.Height + 2).Render(m.usersView())
	right := chatPane.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.conversationTitle(),
		m.viewport.View(),
		m.input.View(),
	))
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, right))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("✗ " + imErrors.GetMessage(m.err) + ": " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("tab: switch pane • enter: select/send • ctrl+a: mark seen • ctrl+d: close popup • ctrl+l: reload • ctrl+h: archive • ctrl+r: reconnect • ctrl+c: quit"))
	return b.String()
}

func (m chatModel) loginView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("imchat"))
	b.WriteString("\n\n")
	b.WriteString(m.login.View())
	b.WriteString("\n\n")
	if m.loading {
		b.WriteString(m.spinner.View() + statusStyle.Render(" connecting..."))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("enter: login • ctrl+c: quit"))
	return b.String()
}

func (m chatModel) headerView() string {
	self, _ := m.f.Identity()
	parts := []string{titleStyle.Render("imchat"), statusStyle.Render("@" + self.ID.String())}

	conn := m.f.Connection()
	switch {
	case conn.State == connection.StateConnected:
		parts = append(parts, statusStyle.Render(fmt.Sprintf("● %s %s since %s",
			conn.State, conn.Endpoint, conn.Since.Local().Format("15:04"))))
	case conn.Err != nil:
		parts = append(parts, errorStyle.Render("● "+conn.State.String()+": "+conn.Err.Error()))
	default:
		parts = append(parts, errorStyle.Render("● "+conn.State.String()))
	}
	if exp, ok := m.f.Expiry(); ok {
		parts = append(parts, helpStyle.Render("session expires "+exp.Local().Format("01-02 15:04")))
	}
	if m.unread > 0 {
		parts = append(parts, badgeStyle.Render(fmt.Sprintf("%d unread", m.unread)))
	}
	if n := m.f.PendingTimers(); n > 0 {
		parts = append(parts, helpStyle.Render(fmt.Sprintf("%d popup timers", n)))
	}
	if m.archive != nil {
		if n := m.archive.Dropped(); n > 0 {
			parts = append(parts, errorStyle.Render(fmt.Sprintf("archive dropped %d", n)))
		}
	}
	return strings.Join(parts, "  ")
}

func (m chatModel) usersView() string {
	var b strings.Builder
	peer := m.f.Peer()
	for i, u := range m.users {
		name := u.Username
		if name == "" {
			name = u.ID.String()
		}
		line := "  " + name
		if u.ID == peer {
			line = "• " + name
		}
		if i == m.cursor && m.focus == focusUsers {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(normalStyle.Render(line))
		}
		b.WriteString("\n")
	}
	if len(m.users) == 0 {
		b.WriteString(helpStyle.Render("no users (r to refresh)"))
	}
	return b.String()
}

func (m chatModel) conversationTitle() string {
	peer := m.f.Peer()
	if peer.IsZero() {
		return helpStyle.Render("select a user to start chatting")
	}
	title := "chat with " + peer.String()
	if m.showArchive {
		title += " (archive)"
	}
	if m.loading {
		return titleStyle.Render(title) + " " + m.spinner.View()
	}
	return titleStyle.Render(title)
}
