// Package repositories implements SQLite persistence for the gateway.
//
// Key Implementations:
//   - [ArtifactRepository] : converted artifact records, unique per external id
//   - [PoolUsageRepository] : durable request counters for quota pool entries
//   - [DailyUsageRepository] : per-strategy request counters keyed by UTC day
//
// Counter updates are single conditional UPDATE statements, so concurrent
// writers can never push a counter past its cap.
package repositories
