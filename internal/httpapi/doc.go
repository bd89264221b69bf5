// Package httpapi is the JSON surface over the allocator and the state
// cache. It owns request decoding, response envelopes, and the mapping
// from domain error kinds to HTTP status codes; all pool semantics live
// below it.
package httpapi
