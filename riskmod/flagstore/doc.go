// Storage for operator-assigned flags, keyed by wallet address.
//
// Flags added here (eg, "suspicious-pattern") are merged in to the wallet risk
// flags reported by the trust provider.
package flagstore
