package nano

import (
	"math/big"
	"strings"

	"github.com/dustin/go-humanize"
)

// RawPerNano is 10^30, the number of raw units in one Nano.
var RawPerNano = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

// FormatNano renders a raw amount as a grouped decimal Nano value with six
// fractional digits, e.g. "1,234.500000". Nil is zero.
func FormatNano(raw *big.Int) string {
	if raw == nil {
		raw = new(big.Int)
	}
	whole, frac := new(big.Int).QuoRem(raw, RawPerNano, new(big.Int))
	frac.Abs(frac)
	fracDigits := frac.Text(10)
	fracDigits = strings.Repeat("0", 30-len(fracDigits)) + fracDigits
	return humanize.BigComma(whole) + "." + fracDigits[:6]
}
