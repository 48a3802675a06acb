// Package api hosts the HTTP handlers that front the summary service.
//
// The handlers assembled by Handler coordinate request validation and
// response shaping while delegating persistence to the upload store, the
// cache coordinator, and the metadata store injected at construction time.
// Request-shape errors are rejected here, before any store or queue is
// touched, and every failure is reported through the uniform error envelope
// in errors.go.
//
// Handler implementations assume upstream middleware from internal/server
// has already enforced request IDs, rate limiting, metrics, and logging
// concerns. New routes should preserve that contract by leaning on the
// middleware guarantees established in the server stack.
package api
