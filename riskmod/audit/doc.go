// Audit records and the delivery of decision side effects.
//
// Every decision yields at least one Record. The decision engine does not
// write records itself; it returns Outbound commands (AuditAppend,
// ReputationEvent, ViolationRecorded), and a Dispatcher delivers them in the
// background with retries, so a slow or failing sink never delays a decision.
package audit
