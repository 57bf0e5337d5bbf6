// Package server exposes the streaming gateway over HTTP.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
//
// The [BasicRouter] implementation uses [http.ServeMux] internally with method filtering, so path
// wildcards such as {id} are available through [http.Request.PathValue].
//
// # Routes
//
//	GET /stream/{id}     → audio stream, redirect to a remote link, or JSON error
//	GET /artifacts/{id}  → cache lookup ({"hit": bool, "artifact": {...}})
//	GET /pool            → quota pool and daily limiter usage
//	GET /metrics         → Prometheus exposition
//	GET /health          → liveness and database check
//	GET /media/...       → files of the local storage backend
//
// Errors are returned as {"error": {"code": "...", "message": "..."}} where code is one of
// invalid_request, terminal_failure, recently_failed, timeout or internal.
//
// # Handler Interface
//
// Custom handlers implement the [Handler] interface, which wraps the stdlib handler interface and adds routes,
// allowing handlers to register multiple routes to encapsulate route definitions within the implementation.
package server
