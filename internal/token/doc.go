// Package token defines the domain model shared by the allocator,
// repository, delayed-release queue, cache, and HTTP adapter: the Token
// and Usage records, the token status enum, the state-change event
// shapes, and the domain error kinds.
package token
