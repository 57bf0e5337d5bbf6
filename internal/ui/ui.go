package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/quota"
	"github.com/desertthunder/tunegate/internal/tasks"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	PoolView ViewState = iota
	InputView
	ResolveView
)

const defaultRefresh = 5 * time.Second

// PoolSource returns the current pool entries.
type PoolSource interface {
	Snapshot(ctx context.Context) ([]models.PoolEntry, error)
}

// Resolver runs the strategy chain for one media id.
type Resolver interface {
	Run(ctx context.Context, progress chan<- tasks.ProgressUpdate, mediaID string) (*tasks.Resolution, error)
}

// Model represents the TUI application state.
type Model struct {
	ctx      context.Context
	view     ViewState
	pool     PoolSource
	limiters []*quota.DailyLimiter
	resolver Resolver
	interval time.Duration

	width   int
	height  int
	entries list.Model
	daily   []DailyUsage
	updated time.Time
	err     error

	input    textinput.Model
	mediaID  string
	progress []tasks.ProgressUpdate
	updates  chan tasks.ProgressUpdate
	done     chan Msg
	result   *tasks.Resolution
	rerr     error
	running  bool

	help help.Model
	keys keyMap
}

// NewModel creates a monitor over pool and limiters. resolver may be nil, which disables test conversions.
func NewModel(ctx context.Context, pool PoolSource, limiters []*quota.DailyLimiter, resolver Resolver, interval time.Duration) *Model {
	if interval <= 0 {
		interval = defaultRefresh
	}

	entries := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	entries.Title = "Quota Pool"
	entries.SetShowHelp(false)

	input := textinput.New()
	input.Placeholder = "media id"
	input.CharLimit = 64

	return &Model{
		ctx:      ctx,
		view:     PoolView,
		pool:     pool,
		limiters: limiters,
		resolver: resolver,
		interval: interval,
		entries:  entries,
		input:    input,
		help:     help.New(),
		keys:     newKeyMap(),
	}
}

// Init starts the first fetch and the refresh timer.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchPool(), m.tick())
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.entries.SetSize(max(msg.Width-4, 0), max(msg.Height-10, 0))
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.quit) && m.view != InputView {
			return m, tea.Quit
		}
		switch m.view {
		case PoolView:
			return m.handlePoolKeys(msg)
		case InputView:
			return m.handleInputKeys(msg)
		case ResolveView:
			return m.handleResolveKeys(msg)
		}

	case Msg:
		return m.handleMsg(msg)
	}

	if m.view == PoolView {
		var cmd tea.Cmd
		m.entries, cmd = m.entries.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgPoolFetched:
		data := msg.data.(poolData)
		m.err = data.err
		if data.err == nil {
			cmd := m.entries.SetItems(poolItems(data.entries))
			m.daily = data.daily
			m.updated = time.Now()
			return m, cmd
		}
		return m, nil

	case MsgTick:
		return m, tea.Batch(m.fetchPool(), m.tick())

	case MsgProgressUpdate:
		m.progress = append(m.progress, msg.data.(tasks.ProgressUpdate))
		return m, m.waitForProgress()

	case MsgResolveComplete:
		data := msg.data.(resolveData)
		m.result = data.resolution
		m.rerr = data.err
		m.running = false
		m.updates = nil
		m.done = nil
		return m, m.fetchPool()
	}
	return m, nil
}

func (m *Model) handlePoolKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.refresh):
		return m, m.fetchPool()
	case key.Matches(msg, m.keys.convert):
		if m.resolver == nil {
			return m, nil
		}
		m.view = InputView
		m.input.SetValue("")
		return m, m.input.Focus()
	}

	var cmd tea.Cmd
	m.entries, cmd = m.entries.Update(msg)
	return m, cmd
}

func (m *Model) handleInputKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.back):
		m.input.Blur()
		m.view = PoolView
		return m, nil
	case key.Matches(msg, m.keys.enter):
		id := strings.TrimSpace(m.input.Value())
		if id == "" {
			return m, nil
		}
		m.input.Blur()
		m.view = ResolveView
		return m, m.startResolve(id)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleResolveKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.back) && !m.running {
		m.view = PoolView
		m.progress = nil
		m.result = nil
		m.rerr = nil
	}
	return m, nil
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) fetchPool() tea.Cmd {
	return func() tea.Msg {
		entries, err := m.pool.Snapshot(m.ctx)
		if err != nil {
			return poolFetchedMsg(nil, nil, err)
		}

		daily := make([]DailyUsage, 0, len(m.limiters))
		for _, l := range m.limiters {
			used, err := l.Usage(m.ctx)
			if err != nil {
				return poolFetchedMsg(nil, nil, err)
			}
			daily = append(daily, DailyUsage{Name: l.Name(), Limit: l.Limit(), Used: used})
		}
		return poolFetchedMsg(entries, daily, nil)
	}
}

func (m *Model) startResolve(id string) tea.Cmd {
	m.mediaID = id
	m.progress = nil
	m.result = nil
	m.rerr = nil
	m.running = true
	m.updates = make(chan tasks.ProgressUpdate, 16)
	m.done = make(chan Msg, 1)

	updates, done := m.updates, m.done
	go func() {
		res, err := m.resolver.Run(m.ctx, updates, id)
		done <- resolveCompleteMsg(id, res, err)
	}()
	return m.waitForProgress()
}

// waitForProgress drains pending updates before reporting completion.
func (m *Model) waitForProgress() tea.Cmd {
	updates, done := m.updates, m.done
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case u := <-updates:
			return progressUpdateMsg(u)
		case msg := <-done:
			select {
			case u := <-updates:
				done <- msg
				return progressUpdateMsg(u)
			default:
				return msg
			}
		}
	}
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	switch m.view {
	case InputView:
		return m.renderInput()
	case ResolveView:
		return m.renderResolve()
	default:
		return m.renderPool()
	}
}

func (m *Model) renderPool() string {
	var b strings.Builder
	if m.err != nil {
		b.WriteString(styles.err.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
	}

	b.WriteString(m.entries.View())
	b.WriteString("\n")

	if len(m.daily) > 0 {
		lines := make([]string, 0, len(m.daily))
		for _, d := range m.daily {
			line := fmt.Sprintf("%s: %d/%d today", d.Name, d.Used, d.Limit)
			if d.Used >= d.Limit {
				line = styles.warn.Render(line)
			}
			lines = append(lines, line)
		}
		b.WriteString(styles.box.Render(strings.Join(lines, "\n")))
		b.WriteString("\n")
	}

	if !m.updated.IsZero() {
		b.WriteString(styles.help.Render("updated " + humanize.Time(m.updated)))
		b.WriteString("\n")
	}

	keys := []key.Binding{m.keys.up, m.keys.down, m.keys.refresh}
	if m.resolver != nil {
		keys = append(keys, m.keys.convert)
	}
	keys = append(keys, m.keys.quit)
	b.WriteString(m.help.ShortHelpView(keys))
	return b.String()
}

func (m *Model) renderInput() string {
	title := styles.title.Render("Test Conversion")
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.enter, m.keys.back})
	return fmt.Sprintf("%s\n%s\n\n%s", title, m.input.View(), helpView)
}

func (m *Model) renderResolve() string {
	var b strings.Builder
	b.WriteString(styles.title.Render(fmt.Sprintf("Resolving %s", m.mediaID)))
	b.WriteString("\n")

	for _, u := range m.progress {
		line := fmt.Sprintf("[%d/%d] %s", u.Step, u.Total, u.Message)
		switch u.Phase {
		case tasks.StrategySucceeded:
			line = styles.ok.Render(line)
		case tasks.StrategyGated:
			line = styles.warn.Render(line)
		case tasks.StrategyFailed, tasks.Exhausted:
			line = styles.err.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.running {
		b.WriteString("\nWorking...\n")
		return b.String()
	}

	b.WriteString("\n")
	switch {
	case m.rerr != nil:
		b.WriteString(styles.err.Render(fmt.Sprintf("Failed: %v", m.rerr)))
	case m.result != nil && m.result.Result != nil:
		r := m.result.Result
		b.WriteString(styles.ok.Render(fmt.Sprintf("✓ Resolved via %s", m.result.Strategy)))
		b.WriteString(fmt.Sprintf("\nTitle: %s\nLink: %s", r.Title, r.Link))
		if r.SizeBytes > 0 {
			b.WriteString(fmt.Sprintf("\nSize: %s", humanize.Bytes(uint64(r.SizeBytes))))
		}
	}
	b.WriteString("\n\n")
	b.WriteString(m.help.ShortHelpView([]key.Binding{m.keys.back, m.keys.quit}))
	return b.String()
}
