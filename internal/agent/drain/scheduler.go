package drain

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/queue"
	"github.com/dmitrijs2005/uplink/internal/common"
	"github.com/dmitrijs2005/uplink/internal/logging"
)

const (
	// JobName identifies the drain job in the durable lease table.
	JobName = "drain"

	// DefaultLease must outlive one drain pass; it is renewed before every
	// re-armed pass, so only a dead process ever lets it expire.
	DefaultLease = 2 * time.Minute

	// DefaultRearmDelay spaces re-armed passes so a batch of retryable
	// failures cannot spin the drain loop hot.
	DefaultRearmDelay = time.Second

	// renewMargin is how much sooner than the lease expiry a pass is cut
	// off, leaving room to renew before the next one.
	renewMargin = 15 * time.Second
)

// Scheduler enforces the single-flight guarantee for named jobs through a
// durable store-backed lease, so overlapping triggers are coalesced even
// across a process restart.
type Scheduler struct {
	locker     queue.JobLocker
	log        logging.Logger
	holder     string
	lease      time.Duration
	rearmDelay time.Duration
}

func NewScheduler(locker queue.JobLocker, log logging.Logger) *Scheduler {
	host, _ := os.Hostname()
	suffix, _ := common.MakeRandHexString(4)
	return &Scheduler{
		locker:     locker,
		log:        log,
		holder:     fmt.Sprintf("%s-%d-%s", host, os.Getpid(), suffix),
		lease:      DefaultLease,
		rearmDelay: DefaultRearmDelay,
	}
}

// Run executes fn under the named lease, re-invoking it while it asks to be
// re-armed. A trigger that loses the lease returns immediately without
// error: some other activation is already draining.
func (s *Scheduler) Run(ctx context.Context, name string, fn func(ctx context.Context) (rearm bool, err error)) error {
	ok, err := s.locker.Acquire(ctx, name, s.holder, s.lease)
	if err != nil {
		return fmt.Errorf("failed to acquire job lease: %w", err)
	}
	if !ok {
		s.log.Debug(ctx, "job already running, trigger coalesced", "job", name)
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), name, s.holder); err != nil {
			s.log.Warn(ctx, "failed to release job lease", "job", name, "error", err)
		}
	}()

	for {
		rearm, err := s.runPass(ctx, fn)
		if err != nil {
			return err
		}
		if !rearm || ctx.Err() != nil {
			return nil
		}

		timer := time.NewTimer(s.rearmDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		// Renew before the next pass. A renewal that does not come back held
		// means the lease expired and another activation owns the job now:
		// this one must stop, or two drains would run concurrently.
		ok, err := s.locker.Acquire(ctx, name, s.holder, s.lease)
		if err != nil {
			return fmt.Errorf("failed to renew job lease: %w", err)
		}
		if !ok {
			s.log.Warn(ctx, "job lease lost to another holder, stopping", "job", name)
			return nil
		}
		s.log.Debug(ctx, "job re-armed", "job", name)
	}
}

// runPass bounds one invocation of fn to well under the lease, so a pass
// stuck in a long server-directed wait is cut off before the lease can
// expire underneath it. Interrupted items stay in their in-flight state and
// are picked up by the recovery step of the next activation.
func (s *Scheduler) runPass(ctx context.Context, fn func(ctx context.Context) (bool, error)) (bool, error) {
	budget := s.lease - renewMargin
	if budget <= 0 {
		budget = s.lease / 2
	}
	passCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	rearm, err := fn(passCtx)
	if err != nil && passCtx.Err() != nil && ctx.Err() == nil {
		// The pass ran out of budget, not into a failure. Re-arm so the
		// renewed lease picks the interrupted work back up.
		s.log.Debug(ctx, "pass budget exhausted, re-arming")
		return true, nil
	}
	return rearm, err
}
