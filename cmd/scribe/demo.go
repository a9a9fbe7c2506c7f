package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/scribe/internal/adapters/events"
	"github.com/felixgeelhaar/scribe/internal/app"
	"github.com/felixgeelhaar/scribe/internal/domain/health"
	"github.com/felixgeelhaar/scribe/internal/domain/plugin"
	"github.com/felixgeelhaar/scribe/internal/ports"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a demo host with a live health dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		backend, err := openStorage(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		defer backend.Close()

		hub := events.NewHub(200)
		host := app.New(
			app.WithEventSink(hub),
			app.WithNamespace(cfg.Namespace),
			app.WithStorage(backend),
			app.WithRequestTimeout(cfg.Messaging.Timeout()),
			app.WithHealthPolicy(health.Policy{
				DegradedAfter:  cfg.Policy().DegradedAfter,
				UnhealthyAfter: cfg.Policy().UnhealthyAfter,
				TickInterval:   2 * time.Second, // fast ticks for the demo
			}),
			app.WithRenderer(ports.NewMockRenderer()),
			app.WithInteractionManager(ports.NewMockInteractionManager()),
			app.WithBlockStateAdapter(ports.NewMockBlockStateAdapter()),
		)

		if err := registerDemoPlugins(ctx, host); err != nil {
			return err
		}

		supervisor := app.NewSupervisor(host)
		if err := supervisor.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = supervisor.Stop(stopCtx)
		}()

		model := newDashboard(host, supervisor)
		_, err = tea.NewProgram(model).Run()
		return err
	},
}

// registerDemoPlugins installs a small dependency chain, with one plugin
// that fails intermittently to exercise the health display.
func registerDemoPlugins(ctx context.Context, host *app.Host) error {
	tick := 0
	plugins := []struct {
		desc *plugin.Descriptor
		cfg  plugin.Config
	}{
		{
			desc: &plugin.Descriptor{ID: "markdown", Name: "Markdown", Version: "1.2.0"},
		},
		{
			desc: &plugin.Descriptor{ID: "word-count", Name: "Word Count", Version: "0.9.1"},
			cfg: plugin.Config{
				Dependencies: []string{"markdown"},
				Persistence:  plugin.PersistenceConfig{Enabled: true},
			},
		},
		{
			desc: &plugin.Descriptor{
				ID: "spellcheck", Name: "Spellcheck", Version: "2.0.0",
				Hooks: &plugin.Hooks{
					CheckHealth: func(context.Context, *plugin.Context) (map[string]any, error) {
						tick++
						if tick%5 == 0 {
							return nil, errors.New("dictionary unavailable")
						}
						return map[string]any{"dictionary": "en_US"}, nil
					},
				},
			},
			cfg: plugin.Config{Dependencies: []string{"markdown"}},
		},
	}

	for _, p := range plugins {
		if err := host.Register(ctx, p.desc, p.cfg); err != nil {
			return err
		}
	}
	return nil
}

type refreshMsg time.Time

type dashboard struct {
	host       *app.Host
	supervisor *app.Supervisor
	table      table.Model
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusStyles  = map[health.Status]lipgloss.Style{
		health.StatusHealthy:   okStyle,
		health.StatusDegraded:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		health.StatusUnhealthy: errStyle,
	}
)

func newDashboard(host *app.Host, supervisor *app.Supervisor) dashboard {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Plugin", Width: 14},
			{Title: "State", Width: 12},
			{Title: "Status", Width: 11},
			{Title: "Errors", Width: 7},
			{Title: "Uptime", Width: 10},
		}),
		table.WithHeight(8),
	)
	d := dashboard{host: host, supervisor: supervisor, table: t}
	d.refresh()
	return d
}

func (d dashboard) Init() tea.Cmd {
	return d.scheduleRefresh()
}

func (d dashboard) scheduleRefresh() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (d dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return d, tea.Quit
		}
	case refreshMsg:
		d.refresh()
		return d, d.scheduleRefresh()
	}

	var cmd tea.Cmd
	d.table, cmd = d.table.Update(msg)
	return d, cmd
}

func (d *dashboard) refresh() {
	var rows []table.Row
	for _, id := range d.host.PluginIDs() {
		state, _ := d.host.PluginState(id)
		snap, ok := d.host.PluginHealth(id)
		if !ok {
			continue
		}
		status := string(snap.Status)
		if style, ok := statusStyles[snap.Status]; ok {
			status = style.Render(status)
		}
		rows = append(rows, table.Row{
			id,
			string(state),
			status,
			fmt.Sprintf("%d", snap.ErrorCount),
			snap.Uptime.Truncate(time.Second).String(),
		})
	}
	d.table.SetRows(rows)
}

func (d dashboard) View() string {
	status := d.supervisor.Status()
	header := titleStyle.Render("Scribe plugin runtime") +
		dimStyle.Render(fmt.Sprintf("  supervisor=%s sweeps=%d", status.State, status.SweepCount))
	return header + "\n\n" + d.table.View() + "\n\n" + dimStyle.Render("q to quit")
}
