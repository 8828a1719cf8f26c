package ledgermock

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// CSVHeader is the column layout LoadCSV expects and invoicegen writes.
var CSVHeader = []string{"invoice_id", "course_name", "amount", "balance"}

// ReadCSV parses invoices from r. The header row is required.
func ReadCSV(r io.Reader) ([]Invoice, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(CSVHeader)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty csv")
	}
	for i, h := range CSVHeader {
		if strings.TrimSpace(rows[0][i]) != h {
			return nil, fmt.Errorf("unexpected header %q, want %q", rows[0][i], h)
		}
	}
	out := make([]Invoice, 0, len(rows)-1)
	for n, row := range rows[1:] {
		amount, err := decimal.NewFromString(strings.TrimSpace(row[2]))
		if err != nil {
			return nil, fmt.Errorf("row %d amount: %w", n+2, err)
		}
		balance, err := decimal.NewFromString(strings.TrimSpace(row[3]))
		if err != nil {
			return nil, fmt.Errorf("row %d balance: %w", n+2, err)
		}
		out = append(out, Invoice{
			ID:         strings.TrimSpace(row[0]),
			CourseName: row[1],
			Amount:     amount,
			Balance:    balance,
		})
	}
	return out, nil
}

// LoadCSV seeds the server from r and returns the number of invoices loaded.
func (s *Server) LoadCSV(r io.Reader) (int, error) {
	invs, err := ReadCSV(r)
	if err != nil {
		return 0, err
	}
	s.Seed(invs...)
	return len(invs), nil
}
