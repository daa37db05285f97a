// Policy rules and vendor weights, and cached access to them.
//
// A Store is the authoritative source of rules (MemStore for in-process and
// file-loaded templates, GormStore for a SQL database). The Accessor sits in
// front of a Store on the decision hot path, with a read-through TTL cache and
// single-flight loads. Administrative writes go through the Accessor so that
// only the affected cache keys are invalidated.
//
// Rules are grouped into versioned templates (Strict, Balanced, Lenient,
// Crypto-Focused). Exactly one template is active at a time.
package policy
