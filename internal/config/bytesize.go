package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidSize = errors.New("invalid size")

// ByteSize is a size in bytes, written in config either as a bare integer or
// as a number with a binary unit: "512", "64k", "16mb", "1.5GiB".
type ByteSize int64

const (
	KiB ByteSize = 1 << 10
	MiB ByteSize = 1 << 20
	GiB ByteSize = 1 << 30
)

var sizeUnits = map[string]ByteSize{
	"": 1, "b": 1,
	"k": KiB, "kb": KiB, "kib": KiB,
	"m": MiB, "mb": MiB, "mib": MiB,
	"g": GiB, "gb": GiB, "gib": GiB,
}

// ParseByteSize parses the forms ByteSize accepts.
func ParseByteSize(s string) (ByteSize, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	num := strings.TrimRightFunc(in, func(r rune) bool { return r >= 'a' && r <= 'z' })
	unit, ok := sizeUnits[strings.TrimSpace(in[len(num):])]
	num = strings.TrimSpace(num)
	if num == "" || !ok {
		return 0, fmt.Errorf("%w %q: expected a form like 512, 64k or 16mb", ErrInvalidSize, s)
	}

	if n, err := strconv.ParseInt(num, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w %q: negative", ErrInvalidSize, s)
		}
		if n > math.MaxInt64/int64(unit) {
			return 0, fmt.Errorf("%w %q: too large", ErrInvalidSize, s)
		}
		return ByteSize(n) * unit, nil
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w %q", ErrInvalidSize, s)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w %q: negative", ErrInvalidSize, s)
	}
	total := v * float64(unit)
	// float64(math.MaxInt64) rounds up to 2^63, which no int64 holds.
	if total >= float64(math.MaxInt64) {
		return 0, fmt.Errorf("%w %q: too large", ErrInvalidSize, s)
	}
	return ByteSize(total), nil
}

func (b ByteSize) String() string {
	switch {
	case b >= GiB && b%GiB == 0:
		return strconv.FormatInt(int64(b/GiB), 10) + "gb"
	case b >= MiB && b%MiB == 0:
		return strconv.FormatInt(int64(b/MiB), 10) + "mb"
	case b >= KiB && b%KiB == 0:
		return strconv.FormatInt(int64(b/KiB), 10) + "kb"
	default:
		return strconv.FormatInt(int64(b), 10)
	}
}
