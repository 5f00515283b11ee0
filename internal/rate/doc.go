// Package rate provides the in-process token buckets guarding registration,
// verification resend, and OTP request traffic.
//
// # Bucket semantics
//
// Buckets are created lazily per key at full capacity and refill in a single
// burst once per interval, not linearly. Keys are caller-defined; the engine
// uses action-prefixed client IPs ("reg:203.0.113.9").
//
// # What this package must NOT do
//
//   - Persist bucket state; budgets are per-process and reset on restart.
//   - Implement domain policies (which actions share a budget is the
//     engine's concern).
package rate
