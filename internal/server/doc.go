// Package server implements the HTTP and WebSocket surface of pairchat.
//
// Each socket is a Client with a read pump and a write pump; the Hub only
// supervises those goroutines. Routing of messages to users happens in the
// delivery package, which pushes to Clients through the registry.
package server
