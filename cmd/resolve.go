package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tunegate/internal/formatter"
	"github.com/desertthunder/tunegate/internal/gateway"
	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
	"github.com/desertthunder/tunegate/internal/tasks"
)

// resolveOutput is the JSON shape printed by [Runner.Resolve].
type resolveOutput struct {
	ID       string                 `json:"id"`
	State    string                 `json:"state"`
	Strategy string                 `json:"strategy,omitempty"`
	URL      string                 `json:"url,omitempty"`
	Artifact *models.ArtifactRecord `json:"artifact,omitempty"`
}

// Resolve serves one media id through the gateway, persisting the artifact, and prints where it lives.
//
// With --dry-run only the strategy chain runs and each attempt is printed as it finishes.
func (r *Runner) Resolve(ctx context.Context, cmd *cli.Command) error {
	id := cmd.StringArg("id")
	if id == "" {
		return fmt.Errorf("%w: media id is required", shared.ErrMissingArgument)
	}

	if err := r.prepare(cmd); err != nil {
		return err
	}

	a, err := r.build(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	meta := models.TrackMetadata{
		Title:  cmd.String("title"),
		Artist: cmd.String("artist"),
		Album:  cmd.String("album"),
	}

	if cmd.Bool("dry-run") {
		return r.resolveDry(ctx, a, id, cmd.Bool("open"))
	}

	if r.config.Server.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Server.RequestTimeout)
		defer cancel()
	}

	resp := a.gateway.Stream(ctx, gateway.Request{ID: id, Meta: meta})
	if resp.Body != nil {
		resp.Body.Close()
	}
	if resp.State == gateway.ErrorResponse {
		return fmt.Errorf("%s: %w", resp.Code, resp.Err)
	}

	out := resolveOutput{ID: id, State: resp.State.String(), Strategy: resp.Strategy, Artifact: resp.Record}
	if resp.Record != nil {
		out.URL = resp.Record.StorageURL
	} else {
		out.URL = resp.RedirectURL
	}

	if cmd.Bool("json") {
		if err := r.writeJSON(out, true); err != nil {
			return err
		}
	} else {
		r.writePlainHeader(fmt.Sprintf("Resolved %s (%s)", id, out.State))
		if resp.Record != nil {
			r.writePlain("%s", formatter.ArtifactDetail(resp.Record))
		} else {
			r.writePlain("Redirect: %s\n", out.URL)
		}
	}

	if cmd.Bool("open") && out.URL != "" {
		return shared.OpenBrowser(out.URL)
	}
	return nil
}

func (r *Runner) resolveDry(ctx context.Context, a *app, id string, open bool) error {
	progress := make(chan tasks.ProgressUpdate, 16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for u := range progress {
			r.writePlain("[%d/%d] %s\n", u.Step, u.Total, u.Message)
		}
	}()

	res, err := a.orchestrator.Run(ctx, progress, id)
	close(progress)
	wg.Wait()
	if err != nil {
		return err
	}

	r.writePlainln("✓ Resolved via %s", res.Strategy)
	r.writePlain("Title: %s\nLink: %s\n", res.Result.Title, res.Result.Link)

	if open {
		return shared.OpenBrowser(res.Result.Link)
	}
	return nil
}
