package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fullctl/aaactl-sub000/pkg/billing/processor"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
)

// Charge collects the price of a cycle from the subscription payment method.
//
// A cycle that already has an ok charge fails with ErrAlreadyCharged; one with
// a pending charge returns that charge, sending it first if it never reached
// the processor. Otherwise the cycle is closed
// (expired) and, if the price is positive, a charge is created and sent to
// the processor. A zero price closes the cycle and returns nil. Processor
// errors are recorded on the charge and the cycle is marked failed; they are
// not returned.
func (e *Engine) Charge(ctx context.Context, cycleID int64) (cc *SubscriptionCycleCharge, err error) {
	ctx, span := observability.StartSpan(ctx, "billing.charge", attribute.Int64("cycle_id", cycleID))
	defer func() { observability.EndSpan(span, err) }()

	var (
		proc   processor.Processor
		method *PaymentMethod
		fresh  bool
		unsent bool
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		cycle, err := tx.GetCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		charges, err := tx.ListCycleCharges(ctx, cycle.ID)
		if err != nil {
			return err
		}
		for _, existing := range charges {
			if existing.Charge.Status == ChargeOK {
				return fmt.Errorf("%w: cycle %d", ErrAlreadyCharged, cycle.ID)
			}
		}
		for _, existing := range charges {
			if existing.Charge.Status == ChargePending {
				cc = existing
				unsent = existing.Charge.TransactionID == ""
				return nil
			}
		}

		sub, err := tx.GetSubscription(ctx, cycle.SubscriptionID)
		if err != nil {
			return err
		}
		lines, err := e.cycleLines(ctx, tx, cycle.ID)
		if err != nil {
			return err
		}
		price := Total(lines)

		if price > 0 {
			if sub.PaymentMethodID == nil {
				return fmt.Errorf("%w: subscription %d", ErrNoPaymentMethod, sub.ID)
			}
			method, err = tx.GetPaymentMethod(ctx, *sub.PaymentMethodID)
			if err != nil {
				return err
			}
			proc, err = e.processors.Get(method.Processor)
			if err != nil {
				return err
			}
		}

		if err := tx.UpdateCycleStatus(ctx, cycle.ID, CycleExpired); err != nil {
			return err
		}
		if price == 0 {
			return nil
		}

		charge, err := tx.CreateCharge(ctx, &PaymentCharge{
			PaymentMethodID: method.ID,
			Processor:       method.Processor,
			Price:           price,
			Currency:        sub.Currency,
			Description:     cycleDescription(cycle),
			Status:          ChargePending,
			Data:            map[string]string{},
		})
		if err != nil {
			return err
		}
		cc, err = tx.LinkCycleCharge(ctx, cycle.ID, charge.ID)
		if err != nil {
			return err
		}
		fresh = true
		return nil
	})
	if err != nil || cc == nil || !(fresh || unsent) {
		return cc, err
	}
	if unsent {
		e.logger.WithFields(map[string]interface{}{
			"cycle_id":  cycleID,
			"charge_id": cc.Charge.ID,
		}).Warn("Resending payment charge that never reached the processor")
	}
	if err := e.send(ctx, cycleID, cc.Charge, method, proc); err != nil {
		return nil, err
	}
	return cc, nil
}

// send submits a pending charge to its processor and settles the outcome.
// The reference is derived from the charge id so a repeated send of the same
// charge is deduplicated by the processor. method and proc are looked up when
// nil; a charge whose method or processor no longer exists is failed.
func (e *Engine) send(ctx context.Context, cycleID int64, charge *PaymentCharge, method *PaymentMethod, proc processor.Processor) error {
	if charge.Data == nil {
		charge.Data = map[string]string{}
	}
	logger := e.logger.WithFields(map[string]interface{}{
		"cycle_id":  cycleID,
		"charge_id": charge.ID,
		"processor": charge.Processor,
		"price":     charge.Price.String(),
	})

	var err error
	if method == nil {
		method, err = e.store.GetPaymentMethod(ctx, charge.PaymentMethodID)
	}
	if err == nil && proc == nil {
		proc, err = e.processors.Get(charge.Processor)
	}
	switch {
	case errors.Is(err, ErrPaymentMethodNotFound), errors.Is(err, processor.ErrUnknownProcessor):
		logger.WithError(err).Warn("Cannot send payment charge")
		charge.Status = ChargeFailed
		charge.Data["error"] = err.Error()
		return e.settle(ctx, cycleID, charge)
	case err != nil:
		return err
	}

	result, perr := proc.Charge(ctx, processor.ChargeRequest{
		Method:      processor.Method{ID: method.ID, Data: method.Data},
		Amount:      int64(charge.Price),
		Currency:    charge.Currency,
		Description: charge.Description,
		Reference:   "charge-" + strconv.FormatInt(charge.ID, 10),
	})
	if perr != nil {
		logger.WithError(perr).Warn("Payment processor charge failed")
		charge.Status = ChargeFailed
		charge.Data["error"] = perr.Error()
		return e.settle(ctx, cycleID, charge)
	}

	charge.TransactionID = result.TransactionID
	if result.ReceiptURL != "" {
		charge.Data["receipt_url"] = result.ReceiptURL
	}
	charge.Status = chargeStatus(result.Status)
	if err := e.settle(ctx, cycleID, charge); err != nil {
		return err
	}
	logger.WithField("status", string(charge.Status)).Info("Charged subscription cycle")
	return nil
}

func cycleDescription(c *SubscriptionCycle) string {
	return fmt.Sprintf("Subscription %s - %s", c.Start.Format(time.DateOnly), c.End.Format(time.DateOnly))
}

func chargeStatus(s processor.Status) ChargeStatus {
	switch s {
	case processor.StatusOK:
		return ChargeOK
	case processor.StatusFailed:
		return ChargeFailed
	default:
		return ChargePending
	}
}

// settle stores charge and applies its status: ok captures, failed marks the
// cycle failed.
func (e *Engine) settle(ctx context.Context, cycleID int64, charge *PaymentCharge) error {
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.UpdateCharge(ctx, charge); err != nil {
			return err
		}
		switch charge.Status {
		case ChargeOK:
			_, err := e.capture(ctx, tx, cycleID, charge)
			return err
		case ChargeFailed:
			return tx.UpdateCycleStatus(ctx, cycleID, CycleFailed)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if charge.Status != ChargePending {
		e.metrics.RecordCharge(charge.Processor, string(charge.Status))
	}
	if charge.Status == ChargeOK {
		e.metrics.RecordCapture(charge.Currency, int64(charge.Price))
	}
	return nil
}

// SyncStatus asks the processor for the state of a pending charge and
// applies it. A pending charge without a transaction id was never accepted by
// the processor and is sent again. Charges that are not pending are returned
// unchanged.
func (e *Engine) SyncStatus(ctx context.Context, chargeID int64) (charge *PaymentCharge, err error) {
	ctx, span := observability.StartSpan(ctx, "billing.sync_status", attribute.Int64("charge_id", chargeID))
	defer func() { observability.EndSpan(span, err) }()

	charge, err = e.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if charge.Status != ChargePending {
		return charge, nil
	}
	if charge.TransactionID == "" {
		link, err := e.store.GetCycleChargeByCharge(ctx, charge.ID)
		if err != nil {
			return nil, err
		}
		e.logger.WithFields(map[string]interface{}{
			"cycle_id":  link.CycleID,
			"charge_id": charge.ID,
		}).Warn("Resending payment charge that never reached the processor")
		if err := e.send(ctx, link.CycleID, charge, nil, nil); err != nil {
			return nil, err
		}
		return charge, nil
	}

	proc, err := e.processors.Get(charge.Processor)
	if err != nil {
		return nil, err
	}
	status, err := proc.SyncStatus(ctx, charge.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to sync charge %d: %w", charge.ID, err)
	}

	next := chargeStatus(status)
	if next == ChargePending {
		return charge, nil
	}
	link, err := e.store.GetCycleChargeByCharge(ctx, charge.ID)
	if err != nil {
		return nil, err
	}
	charge.Status = next
	if err := e.settle(ctx, link.CycleID, charge); err != nil {
		return nil, err
	}
	e.logger.WithFields(map[string]interface{}{
		"charge_id": charge.ID,
		"status":    string(next),
	}).Info("Synced payment charge status")
	return charge, nil
}

// Capture writes the order history and ledger entries of a successful
// charge. It is idempotent per charge.
func (e *Engine) Capture(ctx context.Context, chargeID int64) (*OrderHistory, error) {
	var order *OrderHistory
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		charge, err := tx.GetCharge(ctx, chargeID)
		if err != nil {
			return err
		}
		if charge.Status != ChargeOK {
			return fmt.Errorf("cannot capture charge %d with status %s", charge.ID, charge.Status)
		}
		link, err := tx.GetCycleChargeByCharge(ctx, charge.ID)
		if err != nil {
			return err
		}
		order, err = e.capture(ctx, tx, link.CycleID, charge)
		return err
	})
	return order, err
}

func (e *Engine) capture(ctx context.Context, tx Store, cycleID int64, charge *PaymentCharge) (*OrderHistory, error) {
	if order, err := tx.GetOrderByCharge(ctx, charge.ID); err != nil || order != nil {
		return order, err
	}

	cycle, err := tx.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	sub, err := tx.GetSubscription(ctx, cycle.SubscriptionID)
	if err != nil {
		return nil, err
	}
	lines, err := e.cycleLines(ctx, tx, cycle.ID)
	if err != nil {
		return nil, err
	}

	order := &OrderHistory{
		OrgID:       sub.OrgID,
		OrderNumber: ulid.Make().String(),
		ChargeID:    charge.ID,
		Price:       charge.Price,
		Currency:    charge.Currency,
		Description: charge.Description,
		Processed:   e.now(),
	}
	for _, line := range lines {
		order.Items = append(order.Items, &OrderHistoryItem{
			Description: line.Description(),
			Price:       line.Price,
			CycleID:     &cycle.ID,
		})
	}
	order, err = tx.CreateOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	withdrawal := Withdrawal{
		LedgerLine:      LedgerLine{Price: charge.Price, CurrencyCode: charge.Currency, Memo: charge.Description},
		PaymentMethodID: charge.PaymentMethodID,
		ChargeID:        charge.ID,
	}
	if _, err := tx.AddLedgerEntry(ctx, sub.OrgID, withdrawal); err != nil {
		return nil, err
	}
	for _, item := range order.Items {
		line := OrderLine{
			LedgerLine: LedgerLine{Price: item.Price, CurrencyCode: order.Currency, Memo: item.Description},
			OrderID:    order.ID,
			ItemID:     item.ID,
		}
		if _, err := tx.AddLedgerEntry(ctx, sub.OrgID, line); err != nil {
			return nil, err
		}
	}

	e.logger.WithFields(map[string]interface{}{
		"org_id":       sub.OrgID,
		"charge_id":    charge.ID,
		"order_number": order.OrderNumber,
	}).Info("Captured payment charge")
	return order, nil
}
