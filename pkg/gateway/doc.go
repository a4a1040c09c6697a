// Package gateway serves the avatar WebSocket protocol and the admin HTTP surface.
//
// Each connection authenticates with ?identity=...&token=..., is bound to exactly
// one session and runs two goroutines: a read loop and a heartbeat loop. Reply
// turns run on session goroutines and stream text chunks plus ordered
// video_chunk_meta/binary pairs back through a single writer lock.
package gateway
