package chain

import (
	"fmt"
	"math/big"
	"strings"
)

var (
	weiPerNative = big.NewInt(1e18)
	weiPerGwei   = big.NewInt(1e9)
)

// ParseNative converts a decimal native-unit string ("0.5", "1", "0.000001")
// to integer wei. Floating point never touches the value; amounts cross the
// wire as decimal strings only.
func ParseNative(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("signed amount %q not allowed", s)
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && frac == "" {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	if len(frac) > 18 {
		return nil, fmt.Errorf("amount %q exceeds 18 decimal places", s)
	}
	frac += strings.Repeat("0", 18-len(frac))

	w, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	f, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	wei := new(big.Int).Mul(w, weiPerNative)
	return wei.Add(wei, f), nil
}

// FormatNative renders integer wei as a decimal native-unit string with
// trailing zeros trimmed.
func FormatNative(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}
	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)
	whole, frac := new(big.Int).QuoRem(abs, weiPerNative, new(big.Int))
	out := whole.String()
	if frac.Sign() != 0 {
		digits := fmt.Sprintf("%018s", frac.String())
		digits = strings.TrimRight(digits, "0")
		out += "." + digits
	}
	if neg {
		out = "-" + out
	}
	return out
}

// FormatGwei renders integer wei as a decimal gwei string.
func FormatGwei(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}
	whole, frac := new(big.Int).QuoRem(new(big.Int).Abs(wei), weiPerGwei, new(big.Int))
	out := whole.String()
	if frac.Sign() != 0 {
		digits := fmt.Sprintf("%09s", frac.String())
		digits = strings.TrimRight(digits, "0")
		out += "." + digits
	}
	if wei.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// GweiToWei scales an integer gwei value to wei.
func GweiToWei(gwei int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(gwei), weiPerGwei)
}

// ParseGwei converts a decimal gwei string to integer wei, up to nine
// decimal places.
func ParseGwei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("signed amount %q not allowed", s)
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && frac == "" {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	if len(frac) > 9 {
		return nil, fmt.Errorf("amount %q exceeds 9 decimal places", s)
	}
	frac += strings.Repeat("0", 9-len(frac))

	w, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	f, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	wei := new(big.Int).Mul(w, weiPerGwei)
	return wei.Add(wei, f), nil
}
