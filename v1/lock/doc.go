// Package lock provides lease-based distributed locks addressed by key.
//
// A Client performs bounded-wait acquisition and returns a Handle that carries
// the ownership token of that one acquisition. Implementations are available
// for local memory, Redis and etcd. Waiters on Redis can be woken early by
// unlock events propagated through a syncbus Bus.
package lock
