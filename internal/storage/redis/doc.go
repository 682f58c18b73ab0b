// Package redis provides the Redis backed second tier for the host caches.
// Values are stored as JSON under a configurable key prefix with a TTL.
package redis
