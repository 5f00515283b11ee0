// Package passgate implements email-verified registration and passwordless
// one-time-code (OTP) login with built-in brute-force protection: per-client
// token-bucket rate limits and threshold-based account lockout.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// passgate is the public surface. It exposes [Engine], [Builder], [Config],
// the collaborator interfaces ([AccountStore], [Notifier], [SessionIssuer],
// [PasswordHasher]), and value types (Account, SessionDescriptor, Profile).
// Token persistence, rate limiting, and lockout decisions live under
// internal/ and are never exported.
//
// Account persistence is supplied by the integrator through [AccountStore];
// verification and OTP tokens are kept in Redis. Session credentials are
// minted by a [SessionIssuer]; the [jwt] subpackage provides a JWT-backed
// implementation, but the engine treats the credential as opaque.
//
// # Delivery contract
//
// Notification delivery is fire-and-forget. Registration and OTP requests
// succeed once account and token state is persisted; a failed email send is
// logged and counted but never surfaced to the caller.
package passgate
