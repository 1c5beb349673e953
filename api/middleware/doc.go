// Package middleware provides the gin middleware used by the gateway:
// same-origin CORS, per-client rate limiting, request logging, panic
// recovery, request metrics and request body limits.
package middleware
