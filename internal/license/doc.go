// Package license implements license issuance, device binding and
// validation.
//
// # Keys
//
// A license key is the canonical encoding of a Payload followed by its
// Ed25519 signature, rendered in Crockford base32 and grouped in blocks of
// four characters:
//
//	key, err := signer.Issue(payload)
//	payload, sig, err := verifier.Open(key)
//
// Decoding tolerates case, dashes and the usual Crockford look-alikes, so a
// key read aloud over the phone still opens.
//
// # Validation Flow
//
// Engine.Validate walks one request through these states:
//
//  1. Decoding          -> MalformedKey
//  2. SignatureCheck    -> InvalidSignature
//  3. ExpiryCheck       -> Expired (unless a grace period is open)
//  4. StatusCheck       -> Suspended, Revoked
//  5. DeviceQuotaCheck  -> DeviceQuotaExceeded
//  6. Decision          -> Accepted
//
// Offline requests skip the store entirely and are admitted only while a
// last-known-good token is younger than the offline grace period.
//
// # Lifecycle
//
// Status changes go through Lifecycle, which enforces the transition table
// with a compare-and-set against the store and writes one AuditRecord per
// change. Revoked is terminal.
//
// # Errors
//
// Denials are Decision values carrying a Reason. Returned errors always mean
// the request could not be decided; infrastructure faults wrap
// ErrServiceUnavailable.
package license
