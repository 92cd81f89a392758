package decoding

import (
	"fmt"
	"strconv"
	"time"

	"cdc-json/internal/pgtext"
)

// TextOutput is the default OutputFunc. Text already in wire form is copied
// as is; Go scalars are printed the way Postgres prints the matching type.
func TextOutput(dst []byte, d Datum) []byte {
	switch v := d.(type) {
	case []byte:
		return append(dst, v...)
	case string:
		return append(dst, v...)
	case bool:
		if v {
			return append(dst, 't')
		}
		return append(dst, 'f')
	case int8:
		return strconv.AppendInt(dst, int64(v), 10)
	case int16:
		return strconv.AppendInt(dst, int64(v), 10)
	case int32:
		return strconv.AppendInt(dst, int64(v), 10)
	case int64:
		return strconv.AppendInt(dst, v, 10)
	case int:
		return strconv.AppendInt(dst, int64(v), 10)
	case uint8:
		return strconv.AppendUint(dst, uint64(v), 10)
	case uint16:
		return strconv.AppendUint(dst, uint64(v), 10)
	case uint32:
		return strconv.AppendUint(dst, uint64(v), 10)
	case uint64:
		return strconv.AppendUint(dst, v, 10)
	case float32:
		return strconv.AppendFloat(dst, float64(v), 'g', -1, 32)
	case float64:
		return strconv.AppendFloat(dst, v, 'g', -1, 64)
	case time.Time:
		return pgtext.AppendTimestamptz(dst, v)
	case fmt.Stringer:
		return append(dst, v.String()...)
	default:
		return fmt.Append(dst, v)
	}
}
