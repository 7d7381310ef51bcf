// Package transport provides the caller-side end of an isolated worker
// context: a message channel to it and the means to tear it down. Contexts
// can live in a goroutine, a child process, or behind a socket served by a
// guest agent.
package transport
