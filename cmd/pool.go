package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tunegate/internal/formatter"
	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
)

// poolEntryOutput is a pool entry without its credential.
type poolEntryOutput struct {
	Index         int        `json:"index"`
	Key           string     `json:"key"`
	Host          string     `json:"host"`
	Path          string     `json:"path"`
	RequestsUsed  int        `json:"requests_used"`
	MaxRequests   int        `json:"max_requests"`
	Active        bool       `json:"active"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

type poolStatusOutput struct {
	Entries []poolEntryOutput    `json:"entries"`
	Daily   []formatter.DailyRow `json:"daily"`
}

func toPoolOutput(entries []models.PoolEntry, daily []formatter.DailyRow) poolStatusOutput {
	out := poolStatusOutput{Entries: make([]poolEntryOutput, 0, len(entries)), Daily: daily}
	for _, e := range entries {
		o := poolEntryOutput{
			Index:        e.Index,
			Key:          e.UsageKey(),
			Host:         e.Host,
			Path:         e.Path,
			RequestsUsed: e.RequestsUsed,
			MaxRequests:  e.MaxRequests,
			Active:       e.Active,
		}
		if !e.LastSuccessAt.IsZero() {
			t := e.LastSuccessAt
			o.LastSuccessAt = &t
		}
		out.Entries = append(out.Entries, o)
	}
	return out
}

// PoolStatus prints every pool entry and the daily usage of metered strategies.
func (r *Runner) PoolStatus(ctx context.Context, cmd *cli.Command) error {
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

	entries, daily, err := a.poolStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pool status: %w", err)
	}

	if cmd.Bool("json") {
		return r.writeJSON(toPoolOutput(entries, daily), true)
	}

	data, err := formatter.Pool(format, entries, daily)
	if err != nil {
		return err
	}
	return r.writeOutput(data, cmd.String("output"))
}

// PoolReset zeroes the counters of one entry, addressed by index or usage key, or of every entry with --all.
func (r *Runner) PoolReset(ctx context.Context, cmd *cli.Command) error {
	key := cmd.StringArg("key")
	all := cmd.Bool("all")

	if key == "" && !all {
		return fmt.Errorf("%w: pass an entry index, a usage key or --all", shared.ErrMissingArgument)
	}
	if key != "" && all {
		return fmt.Errorf("%w: cannot combine a key with --all", shared.ErrInvalidArgument)
	}

	if err := r.prepare(cmd); err != nil {
		return err
	}

	a, err := r.build(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	if a.pool == nil {
		return fmt.Errorf("%w: the rapidapi pool is not configured", shared.ErrMissingConfig)
	}

	if idx, err := strconv.Atoi(key); err == nil {
		entries, err := a.pool.Snapshot(ctx)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(entries, func(e models.PoolEntry) bool { return e.Index == idx })
		if i < 0 {
			return fmt.Errorf("%w: no pool entry #%d", shared.ErrInvalidArgument, idx)
		}
		key = entries[i].UsageKey()
	}

	if err := a.pool.Reset(ctx, key); err != nil {
		return fmt.Errorf("failed to reset pool: %w", err)
	}

	if all {
		r.writePlain("✓ Reset every pool entry\n")
	} else {
		r.writePlain("✓ Reset %s\n", key)
	}
	return nil
}

// PoolImport turns a RapidAPI code snippet into an endpoint table for config.toml.
func (r *Runner) PoolImport(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("curl-file")
	maxRequests := cmd.Int("max-requests")
	if maxRequests < 0 {
		return fmt.Errorf("%w: --max-requests must not be negative", shared.ErrInvalidArgument)
	}

	req, err := shared.ParseCurlFile(path)
	if err != nil {
		return fmt.Errorf("failed to parse cURL file: %w", err)
	}

	cred, err := req.RapidAPI()
	if err != nil {
		return err
	}
	r.logger.Info("parsed RapidAPI snippet", "host", cred.Host, "credential", shared.HashCredential(cred.Key))

	r.writePlain("%s", cred.EndpointTOML(int(maxRequests)))
	r.writePlainln("Add the X-RapidAPI-Key from %s to providers.rapidapi.keys (fingerprint %s).",
		path, shared.HashCredential(cred.Key))
	return nil
}
