// Package entrypoint implements the code that runs inside an isolated worker
// context: it turns inbound request frames into calls of a user function and
// sends each result, or the reason there is none, back to the caller.
package entrypoint
