// Package statestore is the durable state store: a single JSON
// document recording owner identity, budget, branch, and mode flags (the
// queue snapshot is kept by the queue package). All writes go through a
// mutex (in-process) and an exclusive lock directory (cross-process) so
// the outgoing supervisor and the restart coordinator it spawns can never
// clobber one another.
package statestore

import "time"

// State is the supervisor's single persisted document.
type State struct {
	OwnerID             string    `json:"owner_id,omitempty"`
	OwnerChatID         int64     `json:"owner_chat_id,omitempty"`
	LastOwnerMessageAt  time.Time `json:"last_owner_message_at,omitempty"`
	CurrentBranch       string    `json:"current_branch"`
	SpentUSD            float64   `json:"spent_usd"`
	BudgetLimitUSD      float64   `json:"budget_limit_usd"`
	EvolutionModeEnabled bool     `json:"evolution_mode_enabled"`
	ConsciousnessRunning bool     `json:"consciousness_running"`
	BootstrapAt         time.Time `json:"bootstrap_at"`

	// CostEventCount tracks how many llm_usage records have landed since
	// the last budget digest.
	CostEventCount int `json:"cost_event_count"`
}

// HasOwner reports whether first-contact has already happened.
func (s State) HasOwner() bool {
	return s.OwnerChatID != 0
}

// Remaining returns the budget headroom; negative once exhausted.
func (s State) Remaining() float64 {
	return s.BudgetLimitUSD - s.SpentUSD
}

// Exhausted reports whether spend has reached or passed the cap.
func (s State) Exhausted() bool {
	return s.Remaining() <= 0
}

// Default returns the fresh-install state used whenever no state.json
// exists yet, or the existing one failed to parse (StateCorrupt).
func Default(budgetLimitUSD float64) State {
	return State{
		BudgetLimitUSD: budgetLimitUSD,
		BootstrapAt:    time.Now().UTC(),
	}
}
