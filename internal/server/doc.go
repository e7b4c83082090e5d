// Package server implements the roomchat relay: connections, room membership,
// the event router, broadcast fan-out and the websocket and long-polling
// transports that carry events to and from clients.
//
// The implementation is organized into specialized files for configuration,
// the registry, routing, transports and HTTP wiring to keep each concern
// small and testable.
package server
