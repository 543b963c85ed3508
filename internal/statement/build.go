package statement

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/invoicing"
	"github.com/agrodist/salesops/internal/payments"
)

// Build turns a client's invoices and payments into movements with a running
// balance. Input order does not matter: movements are sorted by calendar day,
// then movement type, then document id.
func Build(clientID int64, invoices []invoicing.Invoice, pays []payments.Payment) []Movement {
	out := make([]Movement, 0, len(invoices)+len(pays))
	for _, inv := range invoices {
		if inv.ClientID != clientID {
			continue
		}
		m := Movement{
			ClientID:   clientID,
			Date:       inv.IssueDate,
			DocumentID: inv.ID,
			Reference:  inv.Number,
			Debit:      decimal.Zero,
			Credit:     decimal.Zero,
		}
		if inv.Type == invoicing.TypeCreditNote {
			m.Type = MovementCredit
			m.Credit = inv.Total
			if inv.OriginInvoiceID != nil {
				m.Reference = fmt.Sprintf("%s (invoice %d)", inv.Number, *inv.OriginInvoiceID)
			}
		} else {
			m.Type = MovementInvoice
			m.Debit = inv.Total
		}
		out = append(out, m)
	}
	for _, p := range pays {
		if p.ClientID != clientID {
			continue
		}
		out = append(out, Movement{
			ClientID:   clientID,
			Date:       p.Date,
			Type:       MovementPayment,
			DocumentID: p.ID,
			Reference:  paymentReference(p),
			Debit:      decimal.Zero,
			Credit:     p.Amount,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		di, dj := day(out[i].Date), day(out[j].Date)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		if ri, rj := out[i].Type.rank(), out[j].Type.rank(); ri != rj {
			return ri < rj
		}
		return out[i].DocumentID < out[j].DocumentID
	})

	balance := decimal.Zero
	for i := range out {
		balance = balance.Add(out[i].Debit).Sub(out[i].Credit)
		out[i].RunningBalance = balance
	}
	return out
}

func day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func paymentReference(p payments.Payment) string {
	ref := string(p.Method)
	if p.Reference.Number != "" {
		ref += " " + p.Reference.Number
	}
	if p.Reference.Bank != "" {
		ref += " (" + p.Reference.Bank + ")"
	}
	return ref
}

func summarise(st *Statement) {
	st.TotalDebit, st.TotalCredit, st.Balance = decimal.Zero, decimal.Zero, decimal.Zero
	for _, m := range st.Movements {
		st.TotalDebit = st.TotalDebit.Add(m.Debit)
		st.TotalCredit = st.TotalCredit.Add(m.Credit)
	}
	st.Balance = st.TotalDebit.Sub(st.TotalCredit)
}
