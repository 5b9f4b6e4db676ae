package transform

import (
	"encoding/json"
	"fmt"
	"math"

	"gelfrelay/internal/types"
)

// severityNames maps the syslog numeric level carried by GELF to the name
// written into the document. Index is the numeric level.
var severityNames = [...]string{
	0: "panic",
	1: "alert",
	2: "critical",
	3: "error",
	4: "warning",
	5: "notice",
	6: "info",
	7: "debug",
}

// SeverityName returns the name for a numeric level, or a
// MalformedRecordError when the level is outside 0-7.
func SeverityName(level int64) (string, error) {
	if level < 0 || level >= int64(len(severityNames)) {
		return "", types.NewAppErrorWithDetails(types.ErrCodeMalformedUnknownLevel,
			fmt.Sprintf("unknown syslog level %d", level), nil,
			map[string]any{"level": level})
	}
	return severityNames[level], nil
}

// parseLevel accepts integral JSON numbers, including "3.0".
func parseLevel(n json.Number) (string, error) {
	if i, err := n.Int64(); err == nil {
		return SeverityName(i)
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return "", types.NewAppErrorWithDetails(types.ErrCodeMalformedUnknownLevel,
			fmt.Sprintf("level %q is not an integer", n.String()), err,
			map[string]any{"level": n.String()})
	}
	return SeverityName(int64(f))
}
