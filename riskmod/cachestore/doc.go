// Second-tier cache for trust contexts, shared between engine replicas.
//
// CacheStore is the raw string store (redis, or in-process memory for tests
// and single-replica runs); JSONCache adds typed, versioned entries with a
// read-time age limit on top of it.
package cachestore
