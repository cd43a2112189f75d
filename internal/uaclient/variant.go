package uaclient

import (
	"fmt"
	"math"

	"github.com/gopcua/opcua/ua"
)

// variantFor encodes v as the configured PLC data type. Integer types are
// rounded and clamped to their range.
func variantFor(valueType string, v float64) (*ua.Variant, error) {
	if math.IsNaN(v) {
		return nil, fmt.Errorf("cannot write NaN")
	}

	var typed interface{}
	switch valueType {
	case "int16", "":
		typed = int16(clamp(math.Round(v), math.MinInt16, math.MaxInt16))
	case "uint16":
		typed = uint16(clamp(math.Round(v), 0, math.MaxUint16))
	case "int32":
		typed = int32(clamp(math.Round(v), math.MinInt32, math.MaxInt32))
	case "float":
		typed = float32(v)
	case "double":
		typed = v
	default:
		return nil, fmt.Errorf("unsupported value type %q", valueType)
	}
	return ua.NewVariant(typed)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
