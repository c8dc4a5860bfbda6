package quota

import (
	"time"

	"github.com/emberchat/backend/internal/domain"
)

const (
	heavyUserFraction = 0.9
	bonusCapFraction  = 0.5
	minElapsedDays    = 0.5
)

// calcBonusBudget redistributes a plan's projected unused cycle
// capacity to its heaviest current users. Returns the per-heavy-user
// allotment for the given subscription, zero when no surplus applies.
//
// Projection: totalUsed * cycleLength / daysElapsed, with elapsed
// floored at half a day so the first requests of a cycle do not dwarf
// the estimate.
func calcBonusBudget(subs []domain.Subscription, target *domain.Subscription, cycleLength time.Duration, now time.Time) domain.CostUnits {
	if len(subs) < 2 {
		return 0
	}

	cycleDays := cycleLength.Hours() / 24

	var totalBudget domain.CostUnits
	var projected float64
	for _, s := range subs {
		totalBudget += s.CycleBudget
		elapsed := now.Sub(s.CycleStart).Hours() / 24
		if elapsed < minElapsedDays {
			elapsed = minElapsedDays
		}
		projected += float64(s.CycleUsed) * cycleDays / elapsed
	}

	surplus := float64(totalBudget) - projected
	if surplus <= 0 {
		return 0
	}

	heavy := 0
	targetIsHeavy := false
	for _, s := range subs {
		if s.CycleBudget > 0 && float64(s.CycleUsed) >= heavyUserFraction*float64(s.CycleBudget) {
			heavy++
			if s.ID == target.ID {
				targetIsHeavy = true
			}
		}
	}
	if heavy == 0 || !targetIsHeavy {
		return 0
	}

	share := domain.CostUnits(surplus / float64(heavy))
	limit := domain.CostUnits(bonusCapFraction * float64(target.CycleBudget))
	if share > limit {
		share = limit
	}
	return share
}
