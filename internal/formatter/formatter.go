// package formatter renders pool usage and artifact listings as plain text, CSV or Markdown
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
)

// Format selects an output encoding.
type Format string

const (
	Text     Format = "text"
	CSV      Format = "csv"
	Markdown Format = "markdown"
)

// ParseFormat accepts text, csv, markdown and md.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "txt":
		return Text, nil
	case "csv":
		return CSV, nil
	case "markdown", "md":
		return Markdown, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", shared.ErrInvalidArgument, s)
	}
}

// DailyRow is the usage of one metered strategy for today.
type DailyRow struct {
	Name  string
	Limit int
	Used  int
}

func capLabel(max int) string {
	if max <= 0 {
		return "unlimited"
	}
	return humanize.Comma(int64(max))
}

func remainingLabel(e models.PoolEntry) string {
	if e.Unlimited() {
		return "∞"
	}
	return humanize.Comma(int64(e.Remaining()))
}

func statusLabel(e models.PoolEntry) string {
	switch {
	case e.Active:
		return "active"
	case e.Exhausted():
		return "exhausted"
	default:
		return "inactive"
	}
}

func whenLabel(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

// PoolToText renders pool entries and daily limits as an aligned table.
func PoolToText(entries []models.PoolEntry, daily []DailyRow) ([]byte, error) {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "#\tCREDENTIAL\tENDPOINT\tUSED\tCAP\tLEFT\tSTATUS\tLAST SUCCESS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Index,
			e.CredentialHash,
			e.Host+e.Path,
			humanize.Comma(int64(e.RequestsUsed)),
			capLabel(e.MaxRequests),
			remainingLabel(e),
			statusLabel(e),
			whenLabel(e.LastSuccessAt),
		)
	}
	if err := tw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to render pool table: %w", err)
	}

	if len(daily) > 0 {
		buf.WriteString("\n")
		tw = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STRATEGY\tUSED TODAY\tDAILY LIMIT")
		for _, d := range daily {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", d.Name, d.Used, capLabel(d.Limit))
		}
		if err := tw.Flush(); err != nil {
			return nil, fmt.Errorf("failed to render daily table: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// PoolToCSV converts pool entries to CSV with columns: Index, Credential, Host, Path, Method, Used, Max, Active, LastAttempt, LastSuccess
func PoolToCSV(entries []models.PoolEntry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"Index", "Credential", "Host", "Path", "Method", "Used", "Max", "Active", "LastAttempt", "LastSuccess"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, e := range entries {
		record := []string{
			strconv.Itoa(e.Index),
			e.CredentialHash,
			e.Host,
			e.Path,
			e.Method,
			strconv.Itoa(e.RequestsUsed),
			strconv.Itoa(e.MaxRequests),
			strconv.FormatBool(e.Active),
			rfc3339(e.LastAttemptAt),
			rfc3339(e.LastSuccessAt),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// PoolToMarkdown renders pool entries and daily limits as Markdown tables.
func PoolToMarkdown(entries []models.PoolEntry, daily []DailyRow) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString("# Quota Pool\n\n")
	fmt.Fprintf(&buf, "**Entries**: %d\n\n", len(entries))
	buf.WriteString("| # | Credential | Endpoint | Used | Cap | Status |\n")
	buf.WriteString("|---|---|---|---|---|---|\n")
	for _, e := range entries {
		fmt.Fprintf(&buf, "| %d | `%s` | %s%s | %d | %s | %s |\n",
			e.Index, e.CredentialHash, e.Host, e.Path, e.RequestsUsed, capLabel(e.MaxRequests), statusLabel(e))
	}

	if len(daily) > 0 {
		buf.WriteString("\n## Daily limits\n\n")
		buf.WriteString("| Strategy | Used | Limit |\n")
		buf.WriteString("|---|---|---|\n")
		for _, d := range daily {
			fmt.Fprintf(&buf, "| %s | %d | %s |\n", d.Name, d.Used, capLabel(d.Limit))
		}
	}
	return buf.Bytes(), nil
}

// Pool renders entries in the requested format.
func Pool(format Format, entries []models.PoolEntry, daily []DailyRow) ([]byte, error) {
	switch format {
	case CSV:
		return PoolToCSV(entries)
	case Markdown:
		return PoolToMarkdown(entries, daily)
	default:
		return PoolToText(entries, daily)
	}
}

// ArtifactsToText renders artifacts as an aligned table.
func ArtifactsToText(records []*models.ArtifactRecord) ([]byte, error) {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "EXTERNAL ID\tTITLE\tDURATION\tSIZE\tSOURCE\tCREATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ExternalID,
			labelOr(r),
			shared.FormatDuration(r.Duration),
			humanize.Bytes(uint64(max(r.SizeBytes, 0))),
			r.Source,
			whenLabel(r.CreatedAt),
		)
	}
	if err := tw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to render artifact table: %w", err)
	}
	fmt.Fprintf(&buf, "\n%s artifacts\n", humanize.Comma(int64(len(records))))
	return buf.Bytes(), nil
}

// ArtifactsToCSV converts artifacts to CSV with columns: ExternalID, Title, Artist, Album, Duration, SizeBytes, Source, URL, CreatedAt
func ArtifactsToCSV(records []*models.ArtifactRecord) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"ExternalID", "Title", "Artist", "Album", "Duration", "SizeBytes", "Source", "URL", "CreatedAt"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, r := range records {
		record := []string{
			r.ExternalID,
			r.Title,
			r.Artist,
			r.Album,
			strconv.Itoa(r.Duration),
			strconv.FormatInt(r.SizeBytes, 10),
			r.Source,
			r.StorageURL,
			rfc3339(r.CreatedAt),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// ArtifactsToMarkdown renders artifacts as a numbered Markdown list.
func ArtifactsToMarkdown(records []*models.ArtifactRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString("# Artifacts\n\n")
	fmt.Fprintf(&buf, "**Count**: %d\n\n", len(records))
	for i, r := range records {
		albumPart := ""
		if r.Album != "" {
			albumPart = fmt.Sprintf(" (%s)", r.Album)
		}
		fmt.Fprintf(&buf, "%d. [%s](%s)%s `%s` [%s, %s]\n",
			i+1, labelOr(r), r.StorageURL, albumPart, r.ExternalID,
			shared.FormatDuration(r.Duration), humanize.Bytes(uint64(max(r.SizeBytes, 0))))
	}
	return buf.Bytes(), nil
}

// Artifacts renders records in the requested format.
func Artifacts(format Format, records []*models.ArtifactRecord) ([]byte, error) {
	switch format {
	case CSV:
		return ArtifactsToCSV(records)
	case Markdown:
		return ArtifactsToMarkdown(records)
	default:
		return ArtifactsToText(records)
	}
}

// ArtifactDetail renders every field of one artifact.
func ArtifactDetail(r *models.ArtifactRecord) []byte {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	rows := [][2]string{
		{"External ID", r.ExternalID},
		{"ID", r.ID},
		{"Title", r.Title},
		{"Artist", r.Artist},
		{"Album", r.Album},
		{"Duration", shared.FormatDuration(r.Duration)},
		{"Size", fmt.Sprintf("%s (%d bytes)", humanize.Bytes(uint64(max(r.SizeBytes, 0))), r.SizeBytes)},
		{"Content type", r.ContentType},
		{"Source", r.Source},
		{"Key", r.StorageKey},
		{"URL", r.StorageURL},
		{"Created", fmt.Sprintf("%s (%s)", rfc3339(r.CreatedAt), whenLabel(r.CreatedAt))},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
	tw.Flush()
	return buf.Bytes()
}

// WriteExport writes data to path, creating or truncating it.
func WriteExport(data []byte, path string) error {
	if path == "" {
		return fmt.Errorf("%w: output path", shared.ErrMissingArgument)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func labelOr(r *models.ArtifactRecord) string {
	if label := r.Metadata().Label(); label != "" {
		return label
	}
	return r.ExternalID
}

func rfc3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
