/*
evaluator.go - Prescriber daily limit policy

PURPOSE:
  Decides whether dispensing a quantity of a drug category on behalf of a
  prescriber would push that prescriber past their configured daily limit.

RULES:
  - The day is the calendar day of asOf in the evaluator's Location
    (UTC unless configured). [dayStart, dayStart+1 day) in that zone.
  - No configured limit, or a limit of 0, means unlimited.
  - existing = sum of DispenseRecord quantities for (prescriber, category)
    within the day, including records written earlier in the caller's
    transaction.
  - existing + proposed > limit is a PolicyViolation. Equal is allowed.

LOCKING:
  The limit row is read with GetForUpdate. On PostgreSQL that row lock
  serializes every fulfillment charging the same (prescriber, category),
  so two requests can't both see the same "existing" and both pass.

SEE ALSO:
  - fulfillment/coordinator.go: calls CheckLimit once per line
*/
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/dispense-engine/stock"
)

type Evaluator struct {
	// Location defines where a day starts and ends. nil means UTC.
	Location *time.Location
}

func NewEvaluator(loc *time.Location) *Evaluator {
	return &Evaluator{Location: loc}
}

// DayBounds returns the half-open interval of the calendar day containing t.
func (e *Evaluator) DayBounds(t time.Time) (time.Time, time.Time) {
	loc := e.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// CheckLimit returns nil when proposed fits under the prescriber's limit for
// the category, or a *stock.LimitExceededError when it doesn't.
func (e *Evaluator) CheckLimit(ctx context.Context, s stock.Store, prescriberID stock.PrescriberID, categoryID stock.CategoryID, proposed int64, asOf time.Time) error {
	if proposed <= 0 {
		return &stock.ValidationError{Field: "quantity", Message: "must be positive"}
	}

	limit, err := s.Limits().GetForUpdate(ctx, prescriberID, categoryID)
	if err != nil {
		return fmt.Errorf("load prescriber limit: %w", err)
	}
	if limit == nil || limit.DailyLimit == 0 {
		return nil
	}

	from, to := e.DayBounds(asOf)
	existing, err := s.Dispenses().SumForPrescriberCategory(ctx, prescriberID, categoryID, from.UTC(), to.UTC())
	if err != nil {
		return fmt.Errorf("sum dispensed today: %w", err)
	}

	// Compared as remaining headroom so a huge proposal can't wrap around.
	if proposed > limit.DailyLimit-existing {
		return &stock.LimitExceededError{
			PrescriberID: prescriberID,
			CategoryID:   categoryID,
			Limit:        limit.DailyLimit,
			Existing:     existing,
			Proposed:     proposed,
		}
	}
	return nil
}
