// Package models defines the domain entities of the tunegate conversion gateway.
//
// The package contains two categories of types:
//
// 1. Transient values: produced and consumed while a request is in flight
//   - [PoolEntry] : a (credential, endpoint) pair with its request counters
//   - [ConversionJob] : a job submitted to an asynchronous conversion provider
//   - [ConversionResult] : the remote link a provider hands back
//   - [TrackMetadata] : caller supplied labels for a media item
//
// 2. Persistent entities: rows owned by the repositories package
//   - [ArtifactRecord] : a converted file that lives in durable object storage
//   - [PoolUsage] : the durable request counter behind a pool entry
//   - [DailyUsage] : a per-strategy request count for one UTC day
//
// Entries never carry their credential out of the quota package: snapshots
// blank the secret and identify entries by [PoolEntry.CredentialHash].
package models
