// Package console is a terminal dashboard for the daemon. It reads runs, logs
// and the ranking from the database and drives the daemon through the
// commands table.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"manga_ranker/models"
)

const (
	refreshInterval = 10 * time.Second
	queryTimeout    = 5 * time.Second
	runRows         = 12
	logRows         = 200
	rankingRows     = 50
	notifyFor       = 2 * time.Second
)

// Source is what the console reads and writes. storage.Store satisfies it.
type Source interface {
	ListActiveStores(ctx context.Context) ([]models.Store, error)
	ListRecentRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error)
	ListRecentLogs(ctx context.Context, limit int) ([]models.ScrapeLog, error)
	ListCatalog(ctx context.Context, q models.CatalogQuery) ([]models.CatalogEntry, error)
	CreateCommand(ctx context.Context, cmd *models.Command) error
}

// Run blocks until the user quits or ctx is cancelled
func Run(ctx context.Context, src Source) error {
	p := tea.NewProgram(New(src), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

type tab int

const (
	tabDashboard tab = iota
	tabRanking
	tabLogs
	tabCount
)

var tabNames = []string{"Dashboard", "Ranking", "Logs"}

type snapshotMsg struct {
	stores  []models.Store
	runs    []models.ScrapeRun
	logs    []models.ScrapeLog
	ranking []models.CatalogEntry
	err     error
}

type commandSentMsg struct {
	command models.CommandType
	err     error
}

type tickMsg time.Time

// Model is the bubbletea model for the console
type Model struct {
	src           Source
	activeTab     tab
	width, height int

	stores   []models.Store
	runs     []models.ScrapeRun
	logs     []models.ScrapeLog
	ranking  []models.CatalogEntry
	category int
	cursor   int
	logShift int
	loadErr  error

	notification string
	notifyUntil  time.Time
	now          func() time.Time
}

func New(src Source) Model {
	return Model{src: src, width: 120, height: 40, now: time.Now}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) selectedCategory() models.Category {
	return models.Categories[m.category%len(models.Categories)].ID
}

func (m Model) refresh() tea.Cmd {
	src, cat := m.src, m.selectedCategory()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()

		var msg snapshotMsg
		if msg.stores, msg.err = src.ListActiveStores(ctx); msg.err != nil {
			return msg
		}
		if msg.runs, msg.err = src.ListRecentRuns(ctx, runRows); msg.err != nil {
			return msg
		}
		if msg.logs, msg.err = src.ListRecentLogs(ctx, logRows); msg.err != nil {
			return msg
		}
		msg.ranking, msg.err = src.ListCatalog(ctx, models.CatalogQuery{Category: cat, Count: rankingRows})
		return msg
	}
}

func (m Model) send(typ models.CommandType, params *models.CommandParams) tea.Cmd {
	src := m.src
	return func() tea.Msg {
		cmd := &models.Command{Command: typ}
		if params != nil {
			raw, err := json.Marshal(params)
			if err != nil {
				return commandSentMsg{command: typ, err: err}
			}
			cmd.Params = raw
		}
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		return commandSentMsg{command: typ, err: src.CreateCommand(ctx, cmd)}
	}
}

func (m Model) notify(text string) Model {
	m.notification = text
	m.notifyUntil = m.now().Add(notifyFor)
	return m
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case snapshotMsg:
		m.loadErr = msg.err
		if msg.err == nil {
			m.stores, m.runs, m.logs, m.ranking = msg.stores, msg.runs, msg.logs, msg.ranking
			if m.cursor >= len(m.ranking) {
				m.cursor = max(len(m.ranking)-1, 0)
			}
		}

	case commandSentMsg:
		if msg.err != nil {
			return m.notify(fmt.Sprintf("%s failed: %v", msg.command, msg.err)), nil
		}
		return m.notify(fmt.Sprintf("%s queued", msg.command)), nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.activeTab = (m.activeTab + 1) % tabCount
	case "d":
		m.activeTab = tabDashboard
	case "k", "up":
		m.scroll(-1)
	case "j", "down":
		m.scroll(1)
	case "left", "right":
		if m.activeTab == tabRanking {
			step := 1
			if msg.String() == "left" {
				step = len(models.Categories) - 1
			}
			m.category = (m.category + step) % len(models.Categories)
			m.cursor = 0
			return m, m.refresh()
		}
	case "r":
		return m.notify("Refreshed"), m.refresh()
	case "s":
		return m, m.send(models.CmdScrapeNow, nil)
	case "t":
		return m, m.send(models.CmdScrapeNow, &models.CommandParams{TestMode: true})
	case "a":
		return m, m.send(models.CmdAggregate, &models.CommandParams{Date: m.now().Format(models.DateLayout)})
	case "p":
		return m, m.send(models.CmdPause, nil)
	case "u":
		return m, m.send(models.CmdResume, nil)
	case "e":
		return m, m.send(models.CmdRunEnrichment, nil)
	}
	return m, nil
}

func (m *Model) scroll(delta int) {
	switch m.activeTab {
	case tabRanking:
		m.cursor = clamp(m.cursor+delta, 0, max(len(m.ranking)-1, 0))
	case tabLogs:
		// logs are newest first, scrolling down goes back in time
		m.logShift = clamp(m.logShift+delta, 0, max(len(m.logs)-m.logViewport(), 0))
	}
}

func (m Model) logViewport() int {
	return max(m.height-6, 5)
}

func (m Model) View() string {
	var content string
	switch m.activeTab {
	case tabDashboard:
		content = m.dashboardView()
	case tabRanking:
		content = m.rankingView()
	case tabLogs:
		content = m.logsView()
	}
	if m.loadErr != nil {
		content = statusError.Render("load failed: "+m.loadErr.Error()) + "\n" + content
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.tabsView(), content, m.statusBarView())
}

func (m Model) tabsView() string {
	var rendered []string
	for i, name := range tabNames {
		if tab(i) == m.activeTab {
			rendered = append(rendered, tabActive.Render(name))
		} else {
			rendered = append(rendered, tabInactive.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...) + "\n"
}

func (m Model) statusBarView() string {
	left := "tab Switch  r Refresh  s Scrape  t Test  a Aggregate  p Pause  u Resume  e Enrich  q Quit"
	right := ""
	if m.now().Before(m.notifyUntil) {
		right = notification.Render(m.notification)
	}
	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 0)
	return statusBar.Render(left) + strings.Repeat(" ", gap) + right
}

func (m Model) dashboardView() string {
	lastRun := make(map[int64]models.ScrapeRun)
	for _, r := range m.runs {
		if _, ok := lastRun[r.StoreID]; !ok {
			lastRun[r.StoreID] = r
		}
	}

	cards := []string{
		statCard("Stores", len(m.stores)),
		statCard("Ranked", len(m.ranking)),
		statCard("Runs", len(m.runs)),
	}
	var storeCards []string
	for _, st := range m.stores {
		var run *models.ScrapeRun
		if r, ok := lastRun[st.ID]; ok {
			run = &r
		}
		storeCards = append(storeCards, m.storeCard(st, run))
	}
	stores := muted.Render("No stores configured")
	if len(storeCards) > 0 {
		stores = lipgloss.JoinHorizontal(lipgloss.Top, storeCards...)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		title.Render("Dashboard"),
		lipgloss.JoinHorizontal(lipgloss.Top, cards...),
		"",
		stores,
		"",
		title.Render("Recent Runs"),
		m.runsTable(),
	)
}

func statCard(label string, value int) string {
	content := lipgloss.JoinVertical(lipgloss.Center,
		statValue.Render(fmt.Sprintf("%d", value)),
		statLabel.Render(label),
	)
	return cardBorder.Width(16).Render(content)
}

func (m Model) storeCard(st models.Store, run *models.ScrapeRun) string {
	status, style := "○ never run", statusPending
	last := "never"
	if run != nil {
		status, style = runStatus(run)
		last = relativeTime(m.now(), run.StartedAt)
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		statValue.Render(truncate(st.Name, 20)),
		style.Render(status),
		statLabel.Render("Last: "+last),
	)
	return storeCardBorder.Width(24).Render(content)
}

func runStatus(r *models.ScrapeRun) (string, lipgloss.Style) {
	switch r.Status() {
	case models.RunStatusSucceeded:
		return "✓ succeeded", statusSuccess
	case models.RunStatusFailed:
		return "✗ failed", statusError
	default:
		return "◐ running", statusPending
	}
}

func (m Model) runsTable() string {
	if len(m.runs) == 0 {
		return muted.Render("No runs yet")
	}
	names := make(map[int64]string, len(m.stores))
	for _, st := range m.stores {
		names[st.ID] = st.Name
	}

	rows := tableHeader.Render(fmt.Sprintf("%-16s %-12s %-10s %-9s %s", "Store", "Status", "Date", "Started", "Error")) + "\n"
	for i := range m.runs {
		r := &m.runs[i]
		name := names[r.StoreID]
		if name == "" {
			name = fmt.Sprintf("#%d", r.StoreID)
		}
		status, style := runStatus(r)
		rows += fmt.Sprintf("%-16s %s %-10s %-9s %s\n",
			truncate(name, 16),
			style.Render(fmt.Sprintf("%-12s", status)),
			r.ScrapeDate.Format(models.DateLayout),
			r.StartedAt.Format("15:04:05"),
			truncate(r.ErrorMessage, max(m.width-54, 10)),
		)
	}
	return rows
}

func (m Model) rankingView() string {
	cat := models.Categories[m.category%len(models.Categories)]
	header := title.Render("Ranking: "+cat.Name) + muted.Render("  ←/→ category")
	if len(m.ranking) == 0 {
		return header + "\n" + muted.Render("No entries")
	}

	rows := tableHeader.Render(fmt.Sprintf("%4s %8s %6s %6s  %s", "#", "Rating", "Free", "Books", "Title")) + "\n"
	for i, e := range m.ranking {
		row := fmt.Sprintf("%4d %8d %6d %6d  %s / %s", i+1, e.Rating, e.FreeChapters, e.FreeBooks,
			truncate(e.Title, 40), truncate(e.Author, 20))
		if i == m.cursor {
			row = tableSelected.Render(row)
		}
		rows += row + "\n"
	}
	return header + "\n" + rows
}

func (m Model) logsView() string {
	if len(m.logs) == 0 {
		return title.Render("Logs") + "\n" + muted.Render("(no logs yet)")
	}
	end := min(m.logShift+m.logViewport(), len(m.logs))
	var lines []string
	for _, l := range m.logs[m.logShift:end] {
		line := fmt.Sprintf("%s %-5s %s", l.Timestamp.Format("01-02 15:04:05"), strings.ToUpper(string(l.Level)),
			truncate(l.Message, max(m.width-24, 20)))
		lines = append(lines, levelStyle(l.Level).Render(line))
	}
	header := title.Render("Logs") + muted.Render(fmt.Sprintf("[%d-%d/%d]", m.logShift+1, end, len(m.logs)))
	return header + "\n" + strings.Join(lines, "\n")
}

func levelStyle(level models.LogLevel) lipgloss.Style {
	switch level {
	case models.LogLevelError:
		return statusError
	case models.LogLevelWarn:
		return statusPending
	default:
		return lipgloss.NewStyle()
	}
}

func relativeTime(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// truncate cuts by runes so Japanese titles are not split mid-character
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 {
		return ""
	}
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
