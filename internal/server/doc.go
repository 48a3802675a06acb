// Package server hosts the summary service API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, security headers, CORS, and rate limiting so handlers all share
// common protections and instrumentation, and keeps every route behind one
// multiplexer.
package server
