// Package stores implements Redis-backed persistence for verification
// tokens and OTP codes.
//
// # Key layout
//
// Verification tokens (prefix pv):
//
//	pv:t:<token>     binary record (account, expiry, created)
//	pv:a:<account>   SET of live token values for the account
//	pv:x             ZSET of account|token scored by expiry unix time
//
// OTP codes (prefix po):
//
//	po:r:<id>        binary record (account, code, used, expiry, created)
//	po:a:<account>   ZSET of record IDs scored by creation time (unix ms)
//	po:x             ZSET of account|id scored by expiry unix time
//
// Record keys carry a Redis TTL of logical TTL plus a retention grace so an
// expired-but-unswept token is still observable (and reported as expired
// rather than unknown). The janitor's PurgeExpired walks the expiry index
// and removes anything past its logical expiry.
package stores
