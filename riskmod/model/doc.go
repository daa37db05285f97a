// Value types shared by the moderation decision engine: requests, vendor
// classifier results, policy rules, trust contexts, and decisions.
//
// Enumerations are string types so that they read naturally in JSON, logs,
// and audit records.
package model
