package billing

import (
	"fmt"
	"time"
)

// LedgerKind identifies the variant of a ledger entry
type LedgerKind string

const (
	LedgerWithdrawal  LedgerKind = "withdrawal"
	LedgerOrderLine   LedgerKind = "order_line"
	LedgerInvoiceLine LedgerKind = "invoice_line"
)

// LedgerEntry is one of Withdrawal, OrderLine or InvoiceLine
type LedgerEntry interface {
	Kind() LedgerKind
	Amount() Money
	Currency() string
	Description() string

	isLedgerEntry()
}

// LedgerLine holds the fields every ledger entry carries
type LedgerLine struct {
	Price        Money  `json:"amount"`
	CurrencyCode string `json:"currency"`
	Memo         string `json:"description"`
}

func (l LedgerLine) Amount() Money       { return l.Price }
func (l LedgerLine) Currency() string    { return l.CurrencyCode }
func (l LedgerLine) Description() string { return l.Memo }

// Withdrawal records money collected from a payment method
type Withdrawal struct {
	LedgerLine
	PaymentMethodID int64 `json:"payment_method_id"`
	ChargeID        int64 `json:"charge_id"`
}

func (Withdrawal) Kind() LedgerKind { return LedgerWithdrawal }
func (Withdrawal) isLedgerEntry()   {}

// OrderLine records one purchased item of an order
type OrderLine struct {
	LedgerLine
	OrderID int64 `json:"order_id"`
	ItemID  int64 `json:"item_id"`
}

func (OrderLine) Kind() LedgerKind { return LedgerOrderLine }
func (OrderLine) isLedgerEntry()   {}

// InvoiceLine records an invoiced amount not yet collected
type InvoiceLine struct {
	LedgerLine
	InvoiceNumber string `json:"invoice_number"`
}

func (InvoiceLine) Kind() LedgerKind { return LedgerInvoiceLine }
func (InvoiceLine) isLedgerEntry()   {}

// LedgerRecord is a stored ledger entry of an organization
type LedgerRecord struct {
	ID        int64       `json:"id"`
	OrgID     int64       `json:"org_id"`
	Entry     LedgerEntry `json:"entry"`
	CreatedAt time.Time   `json:"created_at"`
}

// ledgerRow is the flat form of an entry used by persistent stores
type ledgerRow struct {
	Kind            LedgerKind
	Line            LedgerLine
	PaymentMethodID *int64
	ChargeID        *int64
	OrderID         *int64
	ItemID          *int64
	InvoiceNumber   *string
}

func flattenLedgerEntry(e LedgerEntry) ledgerRow {
	row := ledgerRow{
		Kind: e.Kind(),
		Line: LedgerLine{Price: e.Amount(), CurrencyCode: e.Currency(), Memo: e.Description()},
	}
	switch v := e.(type) {
	case Withdrawal:
		row.PaymentMethodID, row.ChargeID = &v.PaymentMethodID, &v.ChargeID
	case OrderLine:
		row.OrderID, row.ItemID = &v.OrderID, &v.ItemID
	case InvoiceLine:
		row.InvoiceNumber = &v.InvoiceNumber
	}
	return row
}

func (r ledgerRow) entry() (LedgerEntry, error) {
	switch r.Kind {
	case LedgerWithdrawal:
		return Withdrawal{LedgerLine: r.Line, PaymentMethodID: deref(r.PaymentMethodID), ChargeID: deref(r.ChargeID)}, nil
	case LedgerOrderLine:
		return OrderLine{LedgerLine: r.Line, OrderID: deref(r.OrderID), ItemID: deref(r.ItemID)}, nil
	case LedgerInvoiceLine:
		var number string
		if r.InvoiceNumber != nil {
			number = *r.InvoiceNumber
		}
		return InvoiceLine{LedgerLine: r.Line, InvoiceNumber: number}, nil
	default:
		return nil, fmt.Errorf("unknown ledger entry kind %q", r.Kind)
	}
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
