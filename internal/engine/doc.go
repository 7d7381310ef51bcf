// Package engine owns the worker handles created through the API. It
// launches each handle on the requested transport, journals its calls in the
// store, and streams state changes to subscribers as they happen.
package engine
