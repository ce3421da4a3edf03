// README: Common money value object used across modules.
package types

import "fmt"

// Money is an amount in minor units (cents).
type Money struct {
	Amount   int64
	Currency string
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, abs(m.Amount%100), m.Currency)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
