// Package poll implements the live poll coordinator.
//
// One presenter asks timed multiple-choice questions and every connected
// participant answers them. The domain package owns round lifecycle, timing
// and aggregation; the app package is the WebSocket transport that feeds it
// frames and fans its events back out to connections.
package poll
