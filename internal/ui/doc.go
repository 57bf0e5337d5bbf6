// Package ui implements a terminal monitor for the quota pool using bubbletea's Elm architecture.
//
// The monitor has three views:
//  1. [PoolView] : Live table of pool entries and daily limits, refreshed on a timer
//  2. [InputView] : Prompt for a media id to test-convert
//  3. [ResolveView] : Real-time orchestrator progress followed by the outcome
//
// The [Model] implements bubbletea/Elm's standard Init/Update/View pattern, receiving messages via the Msg union type.
// Progress updates flow through a channel from the orchestrator, providing non-blocking status reporting.
//
// Keyboard navigation uses vim-style bindings (j/k, enter, esc, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
