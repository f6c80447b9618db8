// Package timeouts defines shared timeout constants used by the poll service.
// Keeping them together makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// WebSocketWrite caps a single frame write to a connected client.
const WebSocketWrite = 5 * time.Second

// ArchiveWrite caps one results archive insert.
const ArchiveWrite = 2 * time.Second
