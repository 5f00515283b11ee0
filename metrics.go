package passgate

import "sync/atomic"

// MetricID identifies an engine counter.
type MetricID uint16

const (
	// MetricRegisterSuccess counts persisted registrations.
	MetricRegisterSuccess MetricID = iota
	// MetricRegisterDuplicate counts registrations rejected for a taken email.
	MetricRegisterDuplicate
	// MetricVerifySuccess counts successful email verifications.
	MetricVerifySuccess
	// MetricVerifyFailure counts invalid or expired verification attempts.
	MetricVerifyFailure
	// MetricVerificationResent counts reissued verification tokens.
	MetricVerificationResent
	// MetricOTPRequested counts issued OTP codes.
	MetricOTPRequested
	// MetricOTPSuccess counts OTP logins that minted a session.
	MetricOTPSuccess
	// MetricOTPFailure counts rejected OTP submissions.
	MetricOTPFailure
	// MetricRateLimited counts requests rejected by the rate limiter.
	MetricRateLimited
	// MetricAccountLockedOut counts lockout transitions.
	MetricAccountLockedOut
	// MetricAccountUnlocked counts lazy and administrative unlocks.
	MetricAccountUnlocked
	// MetricNotifyFailure counts notification sends that returned an error.
	MetricNotifyFailure
	// MetricTokensPurged counts tokens removed by expiry sweeps.
	MetricTokensPurged
	// MetricBucketsEvicted counts rate-limit buckets evicted by cleanup.
	MetricBucketsEvicted

	metricIDCount
)

// Metrics holds lock-free counters for engine outcomes.
type Metrics struct {
	counters [metricIDCount]atomic.Uint64
}

func newMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) inc(id MetricID) {
	if m == nil || id >= metricIDCount {
		return
	}
	m.counters[id].Add(1)
}

func (m *Metrics) add(id MetricID, n uint64) {
	if m == nil || id >= metricIDCount {
		return
	}
	m.counters[id].Add(n)
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies every counter. Safe to call concurrently with updates;
// counters are read individually, not as one atomic unit.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricIDCount)}
	if m == nil {
		return snap
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		snap.Counters[id] = m.counters[id].Load()
	}
	return snap
}
