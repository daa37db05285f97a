// Rolling-window event counters.
//
// The engine records one "violations" event per submitter whenever it issues
// a limit or block, and reads the 30 day count back when building a trust
// context. Includes in-memory and redis implementations.
package countstore
