package monitoring

import (
	"context"
	"errors"
	"time"

	"manchengo/api/internal/lock"

	"go.uber.org/zap"
)

const (
	LockKey         = "lock:monitoring"
	DefaultInterval = 10 * time.Minute
)

// Monitor runs the alert checks on a fixed interval. Replicas share a Redis
// lease so a cycle runs on one of them only.
type Monitor struct {
	svc      *Service
	locker   *lock.Locker
	interval time.Duration
	logger   *zap.Logger
	lease    *lock.Lease
}

func NewMonitor(svc *Service, locker *lock.Locker, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if locker == nil {
		locker = lock.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		svc:      svc,
		locker:   locker,
		interval: interval,
		logger:   logger.With(zap.String("component", "monitor")),
	}
}

// Run does a cycle immediately and then one per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", zap.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.releaseLease()
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if _, _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("monitoring cycle failed", zap.Error(err))
	}
}

// RunOnce runs a cycle if this monitor holds the lease or can take it. The
// holder renews the lease for another interval on each cycle, so it keeps
// its slot while a replica ticking a little later skips the same interval.
func (m *Monitor) RunOnce(ctx context.Context) (CycleReport, bool, error) {
	held, err := m.renewLease(ctx)
	if err != nil {
		return CycleReport{}, false, err
	}
	if !held {
		lease, ok, err := m.locker.TryAcquire(ctx, LockKey, m.interval)
		if err != nil {
			return CycleReport{}, false, err
		}
		if !ok {
			m.logger.Debug("monitoring cycle skipped, lease held elsewhere")
			return CycleReport{}, false, nil
		}
		m.lease = lease
	}

	start := time.Now()
	report, err := m.svc.RunChecks(ctx)
	if err != nil {
		return report, true, err
	}
	m.logger.Info("monitoring cycle done",
		zap.Any("raised", report.Raised),
		zap.Strings("failed", report.Failed),
		zap.Int64("expired", report.Expired),
		zap.Duration("took", time.Since(start)))
	return report, true, nil
}

func (m *Monitor) renewLease(ctx context.Context) (bool, error) {
	if m.lease == nil {
		return false, nil
	}
	ok, err := m.lease.Extend(ctx, m.interval)
	if err != nil {
		return false, err
	}
	if !ok {
		m.lease = nil
	}
	return ok, nil
}

// releaseLease hands the lease back on shutdown so another replica can take
// over without waiting for it to expire.
func (m *Monitor) releaseLease() {
	if m.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.lease.Release(ctx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		m.logger.Warn("release monitoring lease failed", zap.Error(err))
	}
	m.lease = nil
}
