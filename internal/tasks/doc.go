// Package tasks resolves a media id into a playable link by cascading through conversion strategies.
//
// # Orchestration
//
// An [Orchestrator] holds a fixed, ordered list of [Strategy] values, for example:
//
//  1. a [PooledStrategy] backed by a quota pool of RapidAPI credentials
//  2. a [MeteredStrategy] for CloudConvert production, capped per day
//  3. a [MeteredStrategy] for CloudConvert sandbox, capped per day
//  4. a [DirectStrategy] for the unrestricted proxy
//
// [Orchestrator.Run] tries them strictly in that order and stops at the first
// success. Each strategy reports an explicit [Attempt] with an [Outcome]
// instead of an error: a gated or failed strategy is logged and the next one
// runs. Only when every strategy is gated or fails does Run return a
// [TerminalError], which matches [shared.ErrTerminalFailure].
//
// # Progress Reporting
//
// Run accepts an optional channel of [ProgressUpdate] values. Sends use select
// with default so a slow reader never stalls a conversion.
package tasks
