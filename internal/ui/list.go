package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	"github.com/dustin/go-humanize"

	"github.com/desertthunder/tunegate/internal/models"
)

var _ list.Item = poolItem{}

// poolItem wraps [models.PoolEntry] to implement [list.Item].
type poolItem struct {
	entry models.PoolEntry
}

func (i poolItem) FilterValue() string { return i.entry.Host }
func (i poolItem) Title() string {
	return fmt.Sprintf("#%d %s%s", i.entry.Index, i.entry.Host, i.entry.Path)
}
func (i poolItem) Description() string {
	e := i.entry
	usage := fmt.Sprintf("%d used", e.RequestsUsed)
	if !e.Unlimited() {
		usage = fmt.Sprintf("%d/%d used • %d left", e.RequestsUsed, e.MaxRequests, e.Remaining())
	}

	status := styles.ok.Render("active")
	if !e.Active {
		status = styles.err.Render("exhausted")
	}

	last := "never"
	if !e.LastSuccessAt.IsZero() {
		last = humanize.Time(e.LastSuccessAt)
	}
	return fmt.Sprintf("%s • key %s • %s • last success %s", status, e.CredentialHash, usage, last)
}

func poolItems(entries []models.PoolEntry) []list.Item {
	items := make([]list.Item, len(entries))
	for i, e := range entries {
		items[i] = poolItem{entry: e}
	}
	return items
}
