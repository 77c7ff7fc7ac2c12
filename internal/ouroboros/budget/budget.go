// Package budget implements the Budget Accountant: it folds per-call usage
// records into the durable spent_usd counter, enforces the global cap, and
// emits the periodic budget digest to the owner. All spend updates go
// through the State Store's Mutate so a crash between two cost events never
// loses money already spent.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/llmclient"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/statestore"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/telemetry"
)

// DefaultDigestEvery is the "budget report every N cost events" default.
const DefaultDigestEvery = 10

// Outcome describes what one usage record did to the budget.
type Outcome struct {
	State     statestore.State
	Exhausted bool // remaining <= 0 after this record
	// JustExhausted is true only on the record that crossed the cap, so
	// the dispatcher cancels everything exactly once.
	JustExhausted bool
	DigestDue     bool
}

// Accountant owns budget accounting. Safe for concurrent use: the safety
// gate reports usage from worker-facing paths while the dispatcher reports
// from the main loop.
type Accountant struct {
	store       *statestore.Store
	limitUSD    float64
	digestEvery int
	logger      *slog.Logger
	metrics     *telemetry.Provider

	mu        sync.Mutex
	exhausted bool
	pricing   map[string]float64 // model -> USD per 1K tokens, for records with no cost

	cron *cron.Cron
}

// New creates an Accountant over store. digestEvery<=0 uses the default.
func New(store *statestore.Store, limitUSD float64, digestEvery int, pricing map[string]float64, metrics *telemetry.Provider, logger *slog.Logger) *Accountant {
	if digestEvery <= 0 {
		digestEvery = DefaultDigestEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{
		store:       store,
		limitUSD:    limitUSD,
		digestEvery: digestEvery,
		logger:      logger,
		metrics:     metrics,
		pricing:     pricing,
	}
}

// Record folds one usage record into durable state and reports the outcome.
// A record with zero cost but known tokens is priced from the pricing table
// keyed by model; a record with neither costs nothing but still counts as a
// cost event for digest pacing.
func (a *Accountant) Record(model string, usage llmclient.Usage) (Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cost := usage.CostUSD
	if cost == 0 {
		if perK, ok := a.pricing[model]; ok {
			cost = float64(usage.PromptTokens+usage.CompletionTokens) / 1000 * perK
		}
	}

	var out Outcome
	st, err := a.store.Mutate(a.limitUSD, func(s *statestore.State) {
		s.SpentUSD += cost
		s.CostEventCount++
		if s.CostEventCount >= a.digestEvery {
			s.CostEventCount = 0
			out.DigestDue = true
		}
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("budget: record usage: %w", err)
	}

	out.State = st
	out.Exhausted = st.Exhausted()
	if out.Exhausted && !a.exhausted {
		a.exhausted = true
		out.JustExhausted = true
		a.logger.Warn("budget exhausted", "spent_usd", st.SpentUSD, "limit_usd", st.BudgetLimitUSD)
	}

	if a.metrics != nil {
		a.metrics.SpentUSD.Record(context.Background(), st.SpentUSD)
	}
	return out, nil
}

// ReportUsage satisfies the safety gate's UsageReporter: gate calls carry
// no model attribution beyond their tier, and their outcome (cancel-all on
// exhaustion) is picked up by the dispatcher on its next llm_usage event,
// so errors here are logged rather than surfaced.
func (a *Accountant) ReportUsage(usage llmclient.Usage) {
	if _, err := a.Record("", usage); err != nil {
		a.logger.Error("budget: safety-gate usage record failed", "error", err)
	}
}

// Exhausted reports whether the cap has been reached.
func (a *Accountant) Exhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exhausted
}

// DigestLine renders the owner-facing budget digest for st.
func DigestLine(st statestore.State) string {
	remaining := st.Remaining()
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("💰 Budget: $%.4f spent of $%.2f ($%.4f remaining)", st.SpentUSD, st.BudgetLimitUSD, remaining)
}

// ExhaustedLine is the one warning chat line E2 requires when the cap is
// crossed.
func ExhaustedLine(st statestore.State) string {
	return fmt.Sprintf("💸 Budget exhausted: $%.4f spent of $%.2f. All tasks cancelled.", st.SpentUSD, st.BudgetLimitUSD)
}

// StartDigestCron schedules a redundant time-based digest so an operator
// sees periodic spend even during a quiet stretch with no cost events.
// spec uses the 6-field (with seconds) cron syntax. Returns an error only
// when the schedule doesn't parse.
func (a *Accountant) StartDigestCron(spec string, emit func(statestore.State)) error {
	if spec == "" || emit == nil {
		return nil
	}
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(spec, func() {
		st, err := a.store.Load(a.limitUSD)
		if err != nil {
			a.logger.Warn("budget digest cron: state load failed", "error", err)
			return
		}
		emit(st)
	})
	if err != nil {
		return fmt.Errorf("budget: digest cron spec %q: %w", spec, err)
	}
	c.Start()
	a.cron = c
	return nil
}

// StopDigestCron stops the digest schedule, waiting for an in-flight run.
func (a *Accountant) StopDigestCron() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
		a.cron = nil
	}
}
