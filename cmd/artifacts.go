package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tunegate/internal/formatter"
	"github.com/desertthunder/tunegate/internal/shared"
)

// ArtifactsList prints stored artifacts, newest first.
func (r *Runner) ArtifactsList(ctx context.Context, cmd *cli.Command) error {
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	if err := r.prepare(cmd); err != nil {
		return err
	}

	a, err := r.build(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	records, err := a.artifacts.List(ctx, int(cmd.Int("limit")))
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}

	if cmd.Bool("json") {
		return r.writeJSON(records, true)
	}

	data, err := formatter.Artifacts(format, records)
	if err != nil {
		return err
	}
	if err := r.writeOutput(data, cmd.String("output")); err != nil {
		return err
	}

	if format == formatter.Text && cmd.String("output") == "" {
		total, err := a.artifacts.Count(ctx)
		if err != nil {
			return fmt.Errorf("failed to count artifacts: %w", err)
		}
		r.writePlainln("Showing %d of %d artifacts", len(records), total)
	}
	return nil
}

// ArtifactsShow prints one artifact.
func (r *Runner) ArtifactsShow(ctx context.Context, cmd *cli.Command) error {
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

	rec, err := a.artifacts.Get(ctx, id)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(rec, true)
	}
	r.writePlainHeader(rec.Metadata().Label())
	return r.writePlain("%s", formatter.ArtifactDetail(rec))
}

// ArtifactsDelete removes an artifact's object and record.
func (r *Runner) ArtifactsDelete(ctx context.Context, cmd *cli.Command) error {
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

	if err := a.artifacts.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	a.gateway.ForgetFailure(id)

	return r.writePlain("✓ Deleted %s\n", id)
}
