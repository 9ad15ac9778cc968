package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tradeforge/omsgate/config"
	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/observability"
	"github.com/tradeforge/omsgate/internal/schema"
	"github.com/tradeforge/omsgate/lib/async"
)

// schedulerTick is how often each tier loop checks account due times. The
// actual pass cadence comes from the tier windows.
const schedulerTick = time.Second

type statusKey struct {
	accountID int64
	tier      schema.ReconTier
}

// PassStatus is the per-(account, tier) scheduler state exposed on the
// control surface.
type PassStatus struct {
	AccountID   int64            `json:"accountId"`
	Tier        schema.ReconTier `json:"tier"`
	LastRun     time.Time        `json:"lastRun"`
	NextRun     time.Time        `json:"nextRun"`
	LastError   string           `json:"lastError,omitempty"`
	LastSummary PassSummary      `json:"lastSummary"`
}

// Scheduler drives periodic reconciliation passes per account and tier, plus
// the close-lock TTL sweep. Passes fan out through a bounded pool so one slow
// account never stalls the others.
type Scheduler struct {
	rec       *Reconciler
	cfg       config.ReconciliationConfig
	closeLock config.CloseLockConfig
	pool      *async.Pool

	mu     sync.Mutex
	status map[statusKey]*PassStatus

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
}

// NewScheduler constructs a stopped scheduler.
func NewScheduler(rec *Reconciler, cfg config.ReconciliationConfig, closeLock config.CloseLockConfig) (*Scheduler, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	pool, err := async.NewPool(concurrency, concurrency*4)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		rec:       rec,
		cfg:       cfg,
		closeLock: closeLock,
		pool:      pool,
		status:    make(map[statusKey]*PassStatus),
	}, nil
}

// Start launches the tier loops and the close-lock sweeper.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		for _, tier := range schema.ReconTiers() {
			tier := tier
			s.wg.Go(func() { s.runTier(tier) })
		}
		s.wg.Go(s.runSweeper)
	})
}

// Stop halts the loops and waits for in-flight passes up to the ctx deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		err = s.pool.Shutdown(ctx)
	})
	return err
}

func (s *Scheduler) runTier(tier schema.ReconTier) {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(tier)
		}
	}
}

// dispatchDue submits a pass for every account whose tier window elapsed.
func (s *Scheduler) dispatchDue(tier schema.ReconTier) {
	accounts, err := s.rec.deps.Accounts.ListActive(s.ctx)
	if err != nil {
		observability.Log().Error("reconcile: list accounts",
			observability.Field{Key: "tier", Value: string(tier)},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	now := time.Now().UTC()
	for _, account := range accounts {
		account := account
		window := account.ReconPolicy.Window(tier, s.cfg.Tiers[tier])
		if window.Interval <= 0 || window.Lookback <= 0 {
			continue
		}

		s.mu.Lock()
		st := s.statusLocked(account.ID, tier)
		if now.Before(st.NextRun) {
			s.mu.Unlock()
			continue
		}
		st.NextRun = now.Add(window.Interval)
		s.mu.Unlock()

		if err := s.pool.Submit(s.ctx, func(ctx context.Context) error {
			s.runPass(ctx, account, tier, window)
			return nil
		}); err != nil {
			if errs.Is(err, errs.CodeConflict) {
				// Pool saturated; the account stays due and retries
				// on the next tick.
				s.mu.Lock()
				s.statusLocked(account.ID, tier).NextRun = now
				s.mu.Unlock()
				continue
			}
			return
		}
	}
}

// runPass executes one pass and records the outcome. Failures are isolated
// per account: the status carries the error, nothing else stops.
func (s *Scheduler) runPass(ctx context.Context, account schema.Account, tier schema.ReconTier, window schema.ReconWindow) {
	summary, err := s.rec.RunOnce(ctx, account, tier, window)

	s.mu.Lock()
	st := s.statusLocked(account.ID, tier)
	st.LastRun = time.Now().UTC()
	st.LastSummary = summary
	if err != nil {
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		observability.Log().Error("reconcile: pass failed",
			observability.Field{Key: "account_id", Value: account.ID},
			observability.Field{Key: "tier", Value: string(tier)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// Trigger runs an immediate short-tier pass. A zero account id triggers
// every active account. Passes run synchronously so callers observe the
// results directly. A failing account does not stop the rest: its error is
// collected and the successful summaries still come back.
func (s *Scheduler) Trigger(ctx context.Context, accountID int64) ([]PassSummary, error) {
	var accounts []schema.Account
	if accountID > 0 {
		account, err := s.rec.deps.Accounts.Get(ctx, accountID)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	} else {
		active, err := s.rec.deps.Accounts.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		accounts = active
	}

	summaries := make([]PassSummary, 0, len(accounts))
	var failures []error
	for _, account := range accounts {
		window := account.ReconPolicy.Window(schema.ReconTierShort, s.cfg.Tiers[schema.ReconTierShort])
		if window.Interval <= 0 || window.Lookback <= 0 {
			failures = append(failures, errs.New("", errs.CodeInternal,
				errs.WithMessage(fmt.Sprintf("no short tier window for account %d", account.ID))))
			continue
		}
		s.runPass(ctx, account, schema.ReconTierShort, window)

		s.mu.Lock()
		st := s.statusLocked(account.ID, schema.ReconTierShort)
		summary := st.LastSummary
		lastErr := st.LastError
		s.mu.Unlock()
		if lastErr != "" {
			failures = append(failures, errs.New("", errs.CodeInternal,
				errs.WithMessage(fmt.Sprintf("account %d: %s", account.ID, lastErr))))
			continue
		}
		summaries = append(summaries, summary)
	}
	if err := observability.AggregateErrors("reconciliation trigger", failures,
		observability.Field{Key: "tier", Value: string(schema.ReconTierShort)}); err != nil {
		return summaries, err
	}
	return summaries, nil
}

// Status snapshots the scheduler state. A zero account id returns every
// tracked pair, ordered by account then tier.
func (s *Scheduler) Status(accountID int64) []PassStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PassStatus, 0, len(s.status))
	for key, st := range s.status {
		if accountID > 0 && key.accountID != accountID {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID == out[j].AccountID {
			return out[i].Tier < out[j].Tier
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}

func (s *Scheduler) statusLocked(accountID int64, tier schema.ReconTier) *PassStatus {
	key := statusKey{accountID: accountID, tier: tier}
	st, ok := s.status[key]
	if !ok {
		st = &PassStatus{AccountID: accountID, Tier: tier}
		s.status[key] = st
	}
	return st
}

// runSweeper removes expired close locks so a crashed holder cannot block
// closes past the TTL.
func (s *Scheduler) runSweeper() {
	interval := s.closeLock.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.rec.deps.Ledger.SweepExpiredCloseLocks(s.ctx, time.Now().UTC())
			if err != nil {
				observability.Log().Error("reconcile: close lock sweep",
					observability.Field{Key: "error", Value: err.Error()})
				continue
			}
			if swept > 0 {
				observability.Log().Info("reconcile: swept expired close locks",
					observability.Field{Key: "count", Value: swept})
			}
		}
	}
}
