// Package protocol owns the wire contract between controller and agent.
//
// Ownership boundary:
// - fault taxonomy shared by every protocol layer
// - frame primitives (frame)
// - key material and sealing (crypt)
// - value encoding (codec) and the operation vocabulary (wire)
// - the encrypted channel (channel) and its authentication exchange (handshake)
// - timeout/backoff defaults (session)
package protocol
