package store

import (
	"errors"
	"testing"
	"time"
)

// rowSet feeds scanTrades fixed string columns.
type rowSet struct {
	rows [][]string
	i    int
}

func (r *rowSet) Next() bool {
	r.i++
	return r.i <= len(r.rows)
}

func (r *rowSet) Scan(dest ...interface{}) error {
	row := r.rows[r.i-1]
	if len(dest) != 8 {
		return errors.New("unexpected column count")
	}
	for i := 0; i < 6; i++ {
		*dest[i].(*string) = row[i]
	}
	*dest[6].(*time.Time) = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	*dest[7].(*int64) = 1
	return nil
}

func (r *rowSet) Err() error { return nil }

func TestScanTrades(t *testing.T) {
	trades, err := scanTrades(&rowSet{rows: [][]string{
		{"t1", "u1", "TCS", "BUY", "2.5", "3800.10"},
	}})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(trades) != 1 || trades[0].Quantity.String() != "2.5" || trades[0].Price.String() != "3800.1" {
		t.Errorf("unexpected trades %+v", trades)
	}
}

func TestScanTrades_CorruptNumericIsError(t *testing.T) {
	for name, row := range map[string][]string{
		"quantity": {"t1", "u1", "TCS", "BUY", "NaN?", "10"},
		"price":    {"t1", "u1", "TCS", "BUY", "1", ""},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := scanTrades(&rowSet{rows: [][]string{row}}); err == nil {
				t.Error("a corrupt row must not scan as a zero value")
			}
		})
	}
}
