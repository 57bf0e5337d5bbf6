package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/tasks"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgPoolFetched MsgKind = iota
	MsgTick
	MsgProgressUpdate
	MsgResolveComplete
)

// DailyUsage is the usage of one metered strategy.
type DailyUsage struct {
	Name  string
	Limit int
	Used  int
}

type poolData struct {
	entries []models.PoolEntry
	daily   []DailyUsage
	err     error
}

type resolveData struct {
	id         string
	resolution *tasks.Resolution
	err        error
}

// poolFetchedMsg is the constructor for [MsgPoolFetched]
func poolFetchedMsg(entries []models.PoolEntry, daily []DailyUsage, err error) Msg {
	return Msg{kind: MsgPoolFetched, data: poolData{entries, daily, err}}
}

// tickMsg is the constructor for [MsgTick]
func tickMsg(t time.Time) Msg {
	return Msg{kind: MsgTick, data: t}
}

// progressUpdateMsg is the constructor for [MsgProgressUpdate]
func progressUpdateMsg(update tasks.ProgressUpdate) Msg {
	return Msg{kind: MsgProgressUpdate, data: update}
}

// resolveCompleteMsg is the constructor for [MsgResolveComplete]
func resolveCompleteMsg(id string, res *tasks.Resolution, err error) Msg {
	return Msg{kind: MsgResolveComplete, data: resolveData{id, res, err}}
}
