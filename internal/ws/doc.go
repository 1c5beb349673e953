// Package ws fans captured frames out to WebSocket viewers.
//
// The package implements:
//   - Hub: the viewers of one session plus its cached last frame
//   - HubManager: one hub per live session; satisfies render.Publisher
//   - Handler: upgrades requests, sends the hello message and handles
//     viewer input, resize and ping messages
//
// Delivery is latest-wins. Every viewer owns a single-slot buffer and a
// writer goroutine; publishing never blocks on a viewer, and a viewer that
// falls behind skips to the newest frame. A newly attached viewer receives
// the cached frame before anything else.
package ws
