package statement

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Locale formats amounts in exported statements.
var Locale = language.MustParse("es-AR")

// amountFormatter renders decimals to the cent without going through float64:
// the whole part is grouped by the locale printer and the cents are appended
// after the locale's decimal separator.
type amountFormatter struct {
	p   *message.Printer
	sep string
}

func newAmountFormatter(tag language.Tag) amountFormatter {
	p := message.NewPrinter(tag)
	sep := strings.Trim(p.Sprint(number.Decimal(1.5, number.Scale(1))), "15")
	if sep == "" {
		sep = "."
	}
	return amountFormatter{p: p, sep: sep}
}

func (f amountFormatter) format(d decimal.Decimal) string {
	d = d.Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	whole := d.Truncate(0)
	cents := d.Sub(whole).Shift(2).IntPart()
	grouped := whole.String()
	if whole.BigInt().IsInt64() {
		grouped = f.p.Sprint(number.Decimal(whole.IntPart()))
	}
	return fmt.Sprintf("%s%s%s%02d", sign, grouped, f.sep, cents)
}

// WriteCSV emits the statement rows with locale formatted amounts.
func WriteCSV(w io.Writer, st Statement) error {
	f := newAmountFormatter(Locale)
	amount := func(d decimal.Decimal) string {
		if d.IsZero() {
			return ""
		}
		return f.format(d)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"Date", "Type", "Document", "Reference", "Debit", "Credit", "Balance"}); err != nil {
		return err
	}
	for _, m := range st.Movements {
		if err := writer.Write([]string{
			m.Date.UTC().Format("2006-01-02"),
			string(m.Type),
			strconv.FormatInt(m.DocumentID, 10),
			m.Reference,
			amount(m.Debit),
			amount(m.Credit),
			f.format(m.RunningBalance),
		}); err != nil {
			return err
		}
	}
	if err := writer.Write([]string{"", "", "", "Total", amount(st.TotalDebit), amount(st.TotalCredit),
		f.format(st.Balance)}); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}
