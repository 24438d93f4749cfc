package reconcile

import (
	"time"

	"github.com/backwatch/backwatch/internal/models"
)

// classifyHealth derives a guest's backup health from its most recent
// backup timestamp. Pure function of its inputs, recomputed every
// reconciliation cycle; there is no persisted transition history, so a
// restart can never leave a guest stuck in an old state.
//
// A failed most-recent backup attempt overrides the age-based states.
// The age thresholds are closed lower bounds: a backup aged exactly the
// warning threshold is already outdated, exactly the critical threshold
// already critical.
func classifyHealth(lastBackup time.Time, lastOutcomeFailed bool, now time.Time, warn, critical time.Duration) models.Health {
	if lastOutcomeFailed {
		return models.HealthFailed
	}
	if lastBackup.IsZero() {
		return models.HealthNone
	}
	age := now.Sub(lastBackup)
	switch {
	case age >= critical:
		return models.HealthCritical
	case age >= warn:
		return models.HealthOutdated
	default:
		return models.HealthCurrent
	}
}
