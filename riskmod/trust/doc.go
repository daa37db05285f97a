// Trust context for submitters: reputation, account age, recent violations,
// and wallet risk flags.
//
// The Aggregator never fails a decision for lack of context. When the
// upstream Provider is unreachable it substitutes a conservative, Degraded
// default, which is cached only briefly.
package trust
