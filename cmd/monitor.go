package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/quota"
	"github.com/desertthunder/tunegate/internal/shared"
	"github.com/desertthunder/tunegate/internal/ui"
)

// Monitor launches the interactive pool monitor.
func (r *Runner) Monitor(ctx context.Context, cmd *cli.Command) error {
	if err := r.prepare(cmd); err != nil {
		return err
	}

	// Redirect logs to file to avoid interfering with TUI rendering
	fileLogger, err := shared.NewFileLogger(cmd.String("log-file"))
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	shared.SetLogLevel(fileLogger, shared.ParseLogLevel(r.config.Log.Level))
	r.SetLogger(fileLogger)

	a, err := r.build(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	var pool ui.PoolSource = emptyPool{}
	if a.pool != nil {
		pool = a.pool
	}

	model := ui.NewModel(ctx, pool, a.limiters, a.orchestrator, cmd.Duration("interval"))
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	return nil
}

// emptyPool stands in when the rapidapi provider is disabled.
type emptyPool struct{}

func (emptyPool) Snapshot(context.Context) ([]models.PoolEntry, error) { return nil, nil }

var _ ui.PoolSource = (*quota.Pool)(nil)
