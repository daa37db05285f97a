/*
Package engine resolves a moderation request into a single Decision.

For each request the Engine fetches the submitter's trust context and the
relevant policy rules concurrently, combines vendor results into ensemble
scores, adjusts each category's threshold for the submitter's context, and
applies the decision matrix with its overrides (critical severity, repeat
offenders, new accounts).

Evaluation never fails: infrastructure errors, missing rules, and corrupt
configuration all resolve to a "review" decision with an explanation. Side
effects (audit record, reputation event, violation count) are returned as
outbound commands, and delivered by an audit.Dispatcher.

Callers must not run two evaluations for the same content ID at the same
time; duplicate requests should be coalesced before they reach the Engine.
*/
package engine
