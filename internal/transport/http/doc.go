// Package http exposes the delivery protocol over HTTP.
//
// Handlers are thin: they lift request fields out of the query, headers and
// body, hand them to the services package and render the result. All
// protocol decisions live in the services.
//
// # Routes
//
//	GET      /sync                       node discovery and server clock
//	GET      /version                    handshake challenge
//	GET|POST /keycheck                   signed key presentation
//	POST     /deliver/{scriptId}         one-shot artifact (executors only)
//	POST     /session/init               channel ticket (executors only)
//	GET      /session/prepare            chunked payload (executors only)
//	GET      /session/channel            chunked payload over WebSocket
//	POST     /payments/complete          signed payment callback
//	PUT      /internal/nodes/{id}/health node health report
//	POST     /internal/keys/{id}/reset-hwid
//	GET      /health, /health/ready, /metrics
//
// # Errors
//
// Failures render as RFC 7807 problem documents carrying the protocol code
// in the "code" member. /keycheck answers with its own {code, note} body so
// loaders can switch on one shape.
package http
