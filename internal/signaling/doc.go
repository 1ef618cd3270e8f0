// Package signaling implements the room relay: a WebSocket server that tracks
// rooms with at most one host and a set of guests, and forwards addressed or
// broadcast control messages between participants of the same room.
//
// The relay never carries media. Delivery is fire-and-forget: a send to a
// connection that is closing is silently dropped and never surfaces to the
// sender.
package signaling
