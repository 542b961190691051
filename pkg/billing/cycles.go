package billing

import (
	"context"
	"fmt"
	"time"
)

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// addMonths moves t by n months keeping day, clamped to the length of the
// target month.
func addMonths(t time.Time, n, day int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// CycleEnd returns the end of a cycle starting at start. anchorDay is kept
// across months of different length; zero uses the start day.
func CycleEnd(start time.Time, interval Interval, anchorDay int) time.Time {
	if anchorDay == 0 {
		anchorDay = start.Day()
	}
	if interval == IntervalYear {
		return addMonths(start, 12, anchorDay)
	}
	return addMonths(start, 1, anchorDay)
}

// CurrentCycle returns the cycle of the subscription containing now, or nil
func (e *Engine) CurrentCycle(ctx context.Context, subscriptionID int64) (*SubscriptionCycle, error) {
	cycles, err := e.store.ListCycles(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for i := len(cycles) - 1; i >= 0; i-- {
		if cycles[i].Contains(now) {
			return cycles[i], nil
		}
	}
	return nil, nil
}

// Charged reports whether the cycle has an ok charge
func (e *Engine) Charged(ctx context.Context, cycleID int64) (bool, error) {
	return charged(ctx, e.store, cycleID)
}

func charged(ctx context.Context, st Store, cycleID int64) (bool, error) {
	charges, err := st.ListCycleCharges(ctx, cycleID)
	if err != nil {
		return false, err
	}
	for _, cc := range charges {
		if cc.Charge.Status == ChargeOK {
			return true, nil
		}
	}
	return false, nil
}

// StartCycle opens the next cycle of a subscription. It continues from the
// end of the previous cycle, else from the subscription anchor, else today;
// a cycle that would already be over starts today instead. An open cycle
// that has neither ended nor been charged blocks the start unless force is
// set.
func (e *Engine) StartCycle(ctx context.Context, subscriptionID int64, force bool) (*SubscriptionCycle, error) {
	var created *SubscriptionCycle
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		cycles, err := tx.ListCycles(ctx, sub.ID)
		if err != nil {
			return err
		}

		now := e.now()
		if !force {
			for _, c := range cycles {
				if c.Status != CycleOpen || c.Ended(now) {
					continue
				}
				ok, err := charged(ctx, tx, c.ID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: cycle %d runs until %s", ErrCycleActive, c.ID, c.End.Format(time.DateOnly))
				}
			}
		}

		today := midnight(now)
		anchorDay := 0
		start := today
		if sub.CycleStart != nil {
			anchorDay = sub.CycleStart.Day()
			start = midnight(*sub.CycleStart)
		}
		if len(cycles) > 0 {
			if anchorDay == 0 {
				anchorDay = cycles[0].Start.Day()
			}
			start = cycles[len(cycles)-1].End
		}
		end := CycleEnd(start, sub.Interval, anchorDay)
		if !now.Before(end) || start.After(now) {
			start = today
			end = CycleEnd(start, sub.Interval, anchorDay)
		}

		created, err = tx.CreateCycle(ctx, &SubscriptionCycle{
			SubscriptionID: sub.ID,
			Start:          start,
			End:            end,
			Status:         CycleOpen,
		})
		if err != nil {
			return err
		}

		products, err := tx.ListSubscriptionProducts(ctx, sub.ID)
		if err != nil {
			return err
		}
		for _, sp := range products {
			if _, err := tx.UpsertCycleProduct(ctx, &SubscriptionCycleProduct{
				CycleID:               created.ID,
				SubscriptionProductID: sp.ID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{
		"subscription_id": subscriptionID,
		"cycle_id":        created.ID,
		"start":           created.Start.Format(time.DateOnly),
		"end":             created.End.Format(time.DateOnly),
	}).Info("Started subscription cycle")
	return created, nil
}

// UpdateUsage records the usage of a subscription product in a cycle
func (e *Engine) UpdateUsage(ctx context.Context, cycleID, subscriptionProductID int64, usage float64) (*SubscriptionCycleProduct, error) {
	if usage < 0 {
		return nil, fmt.Errorf("negative usage %v", usage)
	}
	return e.store.UpsertCycleProduct(ctx, &SubscriptionCycleProduct{
		CycleID:               cycleID,
		SubscriptionProductID: subscriptionProductID,
		Usage:                 usage,
	})
}

// CycleLines prices every product of the cycle's subscription at the
// engine clock. Products without a usage row have zero usage.
func (e *Engine) CycleLines(ctx context.Context, cycleID int64) ([]*CycleLine, error) {
	return e.cycleLines(ctx, e.store, cycleID)
}

func (e *Engine) cycleLines(ctx context.Context, st Store, cycleID int64) ([]*CycleLine, error) {
	cycle, err := st.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	rows, err := st.ListCycleProducts(ctx, cycle.ID)
	if err != nil {
		return nil, err
	}
	usage := make(map[int64]float64, len(rows))
	for _, row := range rows {
		usage[row.SubscriptionProductID] = row.Usage
	}

	products, err := st.ListSubscriptionProducts(ctx, cycle.SubscriptionID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	lines := make([]*CycleLine, 0, len(products))
	for _, sp := range products {
		product, err := st.GetProduct(ctx, sp.ProductID)
		if err != nil {
			return nil, err
		}
		mods, err := st.ListModifiers(ctx, sp.ID)
		if err != nil {
			return nil, err
		}
		u := usage[sp.ID]
		lines = append(lines, &CycleLine{
			SubscriptionProduct: sp,
			Product:             product,
			Usage:               u,
			Price:               ComputePrice(product, u, mods, now),
		})
	}
	return lines, nil
}

// CyclePrice is the sum of the cycle line prices
func (e *Engine) CyclePrice(ctx context.Context, cycleID int64) (Money, error) {
	lines, err := e.CycleLines(ctx, cycleID)
	if err != nil {
		return 0, err
	}
	return Total(lines), nil
}
