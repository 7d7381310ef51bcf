// Package worker exposes a function running in an isolated context as a
// blocking call. A Definition describes the entry point; each Handle created
// from it owns one transport, sends one request at a time, and suspends the
// caller until the matching response arrives.
package worker
