// In-process read-through cache with TTL expiry, load coalescing ("single
// flight"), and stale-while-revalidate on load failure.
//
// Both the policy accessor and the trust context aggregator are built on this
// cache. The clock is injectable so expiry can be tested without sleeping.
package flightcache
