// Package services implements the conversion providers the gateway escalates through.
//
// Every provider turns an opaque media id into a [models.ConversionResult]:
//   - [RapidAPIProvider] : synchronous, pool-backed; each call uses one quota pool entry
//   - [CloudConvertProvider] : asynchronous; submits a job and polls it until it finishes
//   - [ProxyProvider] : synchronous, unrestricted self-hosted extraction proxy
//
// Response shapes differ per provider and per RapidAPI endpoint. Each adapter
// owns its field mapping and reports failures as [shared.ErrProviderError].
// All requests are context aware and paced by a per-provider rate limiter.
package services
