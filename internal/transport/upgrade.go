package transport

import "sync"

// UpgradeSignal coordinates the transport-upgrade advertisement, which the
// spec notes may be observed on either the diagnostics stream (the
// scanner's normal job) or the response stream (inside the pipe transport's
// line processing), ambiguously. The first observer wins; the second is a
// no-op. This type is the single source of truth for that race.
type UpgradeSignal struct {
	mu       sync.Mutex
	fired    bool
	sockPath string
}

// NewUpgradeSignal builds an unfired signal.
func NewUpgradeSignal() *UpgradeSignal {
	return &UpgradeSignal{}
}

// Fire attempts to trigger the upgrade with the given socket path. It
// returns true only for the first caller; all later callers (regardless of
// the path they observed) get false and must not act.
func (u *UpgradeSignal) Fire(sockPath string) (path string, won bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fired {
		return u.sockPath, false
	}
	u.fired = true
	u.sockPath = sockPath
	return sockPath, true
}

// Fired reports whether the upgrade has already been triggered, and by
// which path.
func (u *UpgradeSignal) Fired() (path string, fired bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sockPath, u.fired
}
