package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gelfrelay/internal/types"
)

// ParseEpoch converts GELF epoch seconds into a UTC time rounded to the
// microsecond. Plain decimal text is parsed digit by digit so that
// 1700000000.123 does not pick up float64 noise.
func ParseEpoch(n json.Number) (time.Time, error) {
	s := n.String()

	var (
		t   time.Time
		err error
	)
	if strings.ContainsAny(s, "eE") {
		t, err = parseEpochFloat(s)
	} else {
		t, err = parseEpochDecimal(s)
	}
	if err != nil {
		return time.Time{}, types.NewAppErrorWithDetails(types.ErrCodeMalformedTimestamp,
			fmt.Sprintf("invalid timestamp %q", s), err,
			map[string]any{"timestamp": s})
	}

	t = t.Round(time.Microsecond).UTC()
	if y := t.Year(); y < 1 || y > 9999 {
		return time.Time{}, types.NewAppErrorWithDetails(types.ErrCodeMalformedTimestamp,
			fmt.Sprintf("timestamp %q is out of range", s), nil,
			map[string]any{"timestamp": s})
	}
	return t, nil
}

// FormatTimestamp renders t in the document's timestamp layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(types.TimestampLayout)
}

func parseEpochDecimal(s string) (time.Time, error) {
	intPart, frac, _ := strings.Cut(s, ".")
	neg := strings.HasPrefix(intPart, "-")

	sec, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return time.Time{}, err
	}

	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		} else {
			frac += strings.Repeat("0", 9-len(frac))
		}
		nsec, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || nsec < 0 {
			return time.Time{}, fmt.Errorf("invalid fraction %q", frac)
		}
		if neg {
			nsec = -nsec
		}
	}
	return time.Unix(sec, nsec), nil
}

func parseEpochFloat(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > 1<<62/1e9 {
		return time.Time{}, fmt.Errorf("timestamp %v out of range", f)
	}
	sec := math.Floor(f)
	micros := math.Round((f - sec) * 1e6)
	return time.Unix(int64(sec), int64(micros)*int64(time.Microsecond)), nil
}
