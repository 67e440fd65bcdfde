package state

import (
	"fmt"
	"time"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// addSpend records a cost observation and prunes entries older than
// MaxSpendLogAgeDays. Holds agentsMu's sibling spendMu, called with no
// other lock held.
func (s *State) addSpend(costUsd float64) {
	s.spendMu.Lock()
	defer s.spendMu.Unlock()

	now := s.now()
	s.spend = append(s.spend, v1.SpendEntry{TimestampMs: now.UnixMilli(), CostUsd: costUsd})

	cutoff := now.AddDate(0, 0, -spendRetention).UnixMilli()
	pruned := s.spend[:0]
	for _, entry := range s.spend {
		if entry.TimestampMs >= cutoff {
			pruned = append(pruned, entry)
		}
	}
	s.spend = pruned
}

// GetDailySpend sums spend entries since the start of the current UTC day.
func (s *State) GetDailySpend() float64 {
	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
	return s.sumSpendSince(dayStart)
}

// GetMonthlySpend sums spend entries since the start of the current UTC calendar month.
func (s *State) GetMonthlySpend() float64 {
	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return s.sumSpendSince(monthStart)
}

func (s *State) sumSpendSince(cutoffMs int64) float64 {
	s.spendMu.Lock()
	defer s.spendMu.Unlock()

	total := 0.0
	for _, entry := range s.spend {
		if entry.TimestampMs >= cutoffMs {
			total += entry.CostUsd
		}
	}
	return total
}

// CheckBudget evaluates the configured daily/monthly limits against current spend.
func (s *State) CheckBudget(cfg BudgetConfig) v1.BudgetCheck {
	if cfg.DailyLimitUsd > 0 {
		if daily := s.GetDailySpend(); daily >= cfg.DailyLimitUsd {
			return v1.BudgetCheck{OK: false, Reason: fmt.Sprintf("daily spend $%.2f has reached the $%.2f limit", daily, cfg.DailyLimitUsd)}
		}
	}
	if cfg.MonthlyLimitUsd > 0 {
		if monthly := s.GetMonthlySpend(); monthly >= cfg.MonthlyLimitUsd {
			return v1.BudgetCheck{OK: false, Reason: fmt.Sprintf("monthly spend $%.2f has reached the $%.2f limit", monthly, cfg.MonthlyLimitUsd)}
		}
	}
	return v1.BudgetCheck{OK: true}
}

// GetBudgetWarning returns a non-empty message when spend has crossed the
// configured warning percentage of either limit.
func (s *State) GetBudgetWarning(cfg BudgetConfig) string {
	if cfg.WarningThresholdPc <= 0 {
		return ""
	}
	if cfg.DailyLimitUsd > 0 {
		daily := s.GetDailySpend()
		if daily >= cfg.DailyLimitUsd*cfg.WarningThresholdPc/100 {
			return fmt.Sprintf("daily spend $%.2f is at or above %.0f%% of the $%.2f limit", daily, cfg.WarningThresholdPc, cfg.DailyLimitUsd)
		}
	}
	if cfg.MonthlyLimitUsd > 0 {
		monthly := s.GetMonthlySpend()
		if monthly >= cfg.MonthlyLimitUsd*cfg.WarningThresholdPc/100 {
			return fmt.Sprintf("monthly spend $%.2f is at or above %.0f%% of the $%.2f limit", monthly, cfg.WarningThresholdPc, cfg.MonthlyLimitUsd)
		}
	}
	return ""
}
