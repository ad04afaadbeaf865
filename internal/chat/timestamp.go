package chat

import (
	"math/big"
	"strings"
)

// CompareTimestamps orders two message timestamps numerically. Timestamps
// are decimal strings with an optional fractional part ("1700000000.000100")
// or plain integers (snowflake ids). It returns -1, 0 or +1.
func CompareTimestamps(a, b string) int {
	ai, af := splitTimestamp(a)
	bi, bf := splitTimestamp(b)

	if len(ai) != len(bi) {
		if len(ai) < len(bi) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(ai, bi); c != 0 {
		return c
	}

	for len(af) < len(bf) {
		af += "0"
	}
	for len(bf) < len(af) {
		bf += "0"
	}
	return strings.Compare(af, bf)
}

// AdvanceTimestamp adds one unit to the integer part of ts, keeping the
// fractional part. Unparseable input is returned unchanged.
func AdvanceTimestamp(ts string) string {
	intPart, frac, hasFrac := strings.Cut(ts, ".")
	n, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return ts
	}
	n.Add(n, big.NewInt(1))
	if hasFrac {
		return n.String() + "." + frac
	}
	return n.String()
}

// LatestTimestamp returns the largest of the given timestamps, or "" if none.
func LatestTimestamp(timestamps []string) string {
	latest := ""
	for _, ts := range timestamps {
		if latest == "" || CompareTimestamps(ts, latest) > 0 {
			latest = ts
		}
	}
	return latest
}

func splitTimestamp(ts string) (string, string) {
	intPart, frac, _ := strings.Cut(strings.TrimSpace(ts), ".")
	intPart = strings.TrimLeft(intPart, "0")
	frac = strings.TrimRight(frac, "0")
	return intPart, frac
}
