package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	benchconfig "github.com/timiblossom/dyno/cmd/dyno-bench/config"
	"github.com/timiblossom/dyno/pkg/logger"
	"github.com/timiblossom/dyno/pkg/pool"
)

var topRefresh time.Duration

func init() {
	topCmd.Flags().DurationVar(&topRefresh, "refresh", 500*time.Millisecond, "dashboard refresh interval")
	rootCmd.AddCommand(topCmd)
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Render a live dashboard of per-host pool state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := benchconfig.Load(configPath)
		if err != nil {
			return err
		}
		if err := logger.Setup(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
			File:   cfg.Logging.File,
		}); err != nil {
			return err
		}

		p, _, err := buildPool(cfg)
		if err != nil {
			return err
		}

		m := newDashboardModel(p, topRefresh)
		program := tea.NewProgram(m)
		_, err = program.Run()
		return err
	},
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D7FF"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF5F"))
	deadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
)

type tickMsg time.Time

type dashboardModel struct {
	pool     *pool.ConnectionPool
	refresh  time.Duration
	table    table.Model
	spin     spinner.Model
	priming  bool
	quitting bool
}

func newDashboardModel(p *pool.ConnectionPool, refresh time.Duration) dashboardModel {
	columns := []table.Column{
		{Title: "Host", Width: 24},
		{Title: "State", Width: 12},
		{Title: "Capacity", Width: 8},
		{Title: "Created", Width: 8},
		{Title: "Closed", Width: 8},
		{Title: "Borrowed", Width: 8},
		{Title: "Available", Width: 9},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(false), table.WithHeight(15))

	s := spinner.New()
	s.Spinner = spinner.Dot

	return dashboardModel{pool: p, refresh: refresh, table: t, spin: s, priming: len(p.GetActivePools()) == 0}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, tickCmd(m.refresh))
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			m.pool.Shutdown(context.Background())
			return m, tea.Quit
		}
	case tickMsg:
		m.refreshRows()
		m.priming = len(m.pool.GetActivePools()) == 0
		return m, tickCmd(m.refresh)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *dashboardModel) refreshRows() {
	pools := m.pool.GetPools()
	rows := make([]table.Row, 0, len(pools))
	for _, hp := range pools {
		s := hp.Stats()
		state := s.State.String()
		if s.State == pool.StateActive {
			state = activeStyle.Render(state)
		} else if s.State == pool.StateClosed {
			state = deadStyle.Render(state)
		}
		rows = append(rows, table.Row{
			s.Host.String(),
			state,
			fmt.Sprintf("%d", s.Capacity),
			fmt.Sprintf("%d", s.Created),
			fmt.Sprintf("%d", s.Closed),
			fmt.Sprintf("%d", s.Borrowed),
			fmt.Sprintf("%d", s.Available),
		})
	}
	m.table.SetRows(rows)
}

func (m dashboardModel) View() string {
	if m.quitting {
		return "dyno-bench top: shutting down\n"
	}
	header := headerStyle.Render("dyno-bench top") + "  (q to quit)"
	if m.priming {
		return fmt.Sprintf("%s\n\n%s priming hosts...\n", header, m.spin.View())
	}
	return fmt.Sprintf("%s\n\n%s\n", header, m.table.View())
}
