// Package api implements the HTTP REST API and WebSocket server for dragon-core.
//
// This package provides:
//   - REST endpoints for device state, transformations and the journal
//   - WebSocket hub broadcasting device state, button edges and
//     transformation progress
//   - JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - Prometheus scrape endpoint at /metrics
//
// # Security
//
// When security.jwt.secret is set every route except /api/v1/health and
// the metrics endpoints needs a bearer token minted with that secret
// (dragonctl token). Commands need the operator role. Without a secret the
// API is open, which is only meant for a bench setup.
//
// # Graceful Degradation
//
// The server runs while the device is unplugged. Reads return the last
// known state and commands fail with 503 until the supervisor reopens it.
package api
