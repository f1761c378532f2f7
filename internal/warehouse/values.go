package warehouse

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// numericPrecision covers BIGNUMERIC's 38 fractional digits.
const numericPrecision = 38

// NormalizeValue converts driver values into JSON-friendly ones. Exact
// numerics become decimal strings so no precision is lost on the way to the
// model.
func NormalizeValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return string(v)
	case *big.Rat:
		if v == nil {
			return nil
		}
		return decimal.NewFromBigRat(v, numericPrecision).String()
	case *big.Int:
		if v == nil {
			return nil
		}
		return v.String()
	case decimal.Decimal:
		return v.String()
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return strconv.FormatFloat(v, 'g', -1, 64)
		}
		return v
	case float32:
		return NormalizeValue(float64(v))
	case time.Time:
		return v
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = NormalizeValue(v[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = NormalizeValue(item)
		}
		return out
	case fmt.Stringer:
		return v.String()
	default:
		return v
	}
}

// NormalizeRow applies NormalizeValue to every column.
func NormalizeRow(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		normalized[i] = NormalizeValue(value)
	}
	return normalized
}
