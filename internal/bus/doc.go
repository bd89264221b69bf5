// Package bus is the process-local pub/sub fabric that decouples cache
// updates and external observers from the writers. It carries one
// global topic for all token state changes plus a topic per token.
//
// Delivery is best-effort and at-most-once: publishes never block, and
// an event is dropped for a subscriber whose buffer is full. Consumers
// that need authoritative state must re-read the store or the cache.
package bus
