package checkup

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"jobflow/internal/model"
)

// ErrNaN fails a comparison in which either side is NaN.
var ErrNaN = errors.New("NaN is not comparable")

// Compare evaluates observed <cond> threshold. Both sides are compared as
// numbers when both parse as numbers, otherwise as strings. CONTAINS is always
// a substring test.
func Compare(cond model.Conditional, observed, threshold string) (bool, error) {
	observed = strings.TrimSpace(observed)
	threshold = strings.TrimSpace(threshold)

	if cond == model.CondContains {
		return strings.Contains(observed, threshold), nil
	}

	var c int
	if o, t, ok := numbers(observed, threshold); ok {
		if math.IsNaN(o) || math.IsNaN(t) {
			return false, fmt.Errorf("%w: %s %s %s", ErrNaN, observed, cond, threshold)
		}
		switch {
		case o < t:
			c = -1
		case o > t:
			c = 1
		}
	} else {
		c = strings.Compare(observed, threshold)
	}

	switch cond {
	case model.CondEqual:
		return c == 0, nil
	case model.CondNotEqual:
		return c != 0, nil
	case model.CondGreater:
		return c > 0, nil
	case model.CondGreaterEqual:
		return c >= 0, nil
	case model.CondLess:
		return c < 0, nil
	case model.CondLessEqual:
		return c <= 0, nil
	default:
		return false, fmt.Errorf("unknown conditional %q", cond)
	}
}

func numbers(a, b string) (float64, float64, bool) {
	x, err := strconv.ParseFloat(a, 64)
	if err != nil {
		return 0, 0, false
	}
	y, err := strconv.ParseFloat(b, 64)
	if err != nil {
		return 0, 0, false
	}
	return x, y, true
}
