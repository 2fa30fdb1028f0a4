package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseSize parses a human-readable size string like "8MB" or "1.5 GiB"
// into bytes. Units are binary (1KB = 1024B); the KiB spelling is accepted
// as an alias. A plain number is treated as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	s = strings.ToUpper(s)

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"TIB", 1 << 40},
		{"GIB", 1 << 30},
		{"MIB", 1 << 20},
		{"KIB", 1 << 10},
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"T", 1 << 40},
		{"G", 1 << 30},
		{"M", 1 << 20},
		{"K", 1 << 10},
		{"B", 1},
	}

	for _, m := range multipliers {
		if !strings.HasSuffix(s, m.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
		if numStr == "" {
			return 0, fmt.Errorf("missing number in size: %s", s)
		}
		if n, err := strconv.ParseInt(numStr, 10, 64); err == nil {
			if n < 0 {
				return 0, fmt.Errorf("negative size: %s", s)
			}
			if n > math.MaxInt64/m.mult {
				return 0, fmt.Errorf("size overflows int64: %s", s)
			}
			return n * m.mult, nil
		}
		f, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in size %q: %w", s, err)
		}
		if f < 0 {
			return 0, fmt.Errorf("negative size: %s", s)
		}
		v := f * float64(m.mult)
		if v >= math.MaxInt64 {
			return 0, fmt.Errorf("size overflows int64: %s", s)
		}
		return int64(v), nil
	}

	// Plain number = bytes
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}
	return n, nil
}

// MustParseSize is ParseSize for values already checked by Validate.
func MustParseSize(s string) int64 {
	n, err := ParseSize(s)
	if err != nil {
		panic(err)
	}
	return n
}
