package binlog

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"cdc-json/internal/decoding"
)

// typeOID maps an INFORMATION_SCHEMA.COLUMNS DATA_TYPE to the type the
// decoder renders it as.
func typeOID(dataType string) decoding.OID {
	switch strings.ToLower(dataType) {
	case "tinyint", "smallint", "year":
		return pgtype.Int2OID
	case "mediumint", "int", "integer":
		return pgtype.Int4OID
	case "bigint":
		return pgtype.Int8OID
	case "decimal", "numeric":
		return pgtype.NumericOID
	case "float":
		return pgtype.Float4OID
	case "double", "real":
		return pgtype.Float8OID
	case "bit":
		return pgtype.VarbitOID
	case "bool", "boolean":
		return pgtype.BoolOID
	case "varchar":
		return pgtype.VarcharOID
	case "char", "tinytext", "text", "mediumtext", "longtext", "enum", "set":
		return pgtype.TextOID
	case "json":
		return pgtype.JSONOID
	case "date":
		return pgtype.DateOID
	case "time":
		return pgtype.TimeOID
	case "datetime":
		return pgtype.TimestampOID
	case "timestamp":
		return pgtype.TimestamptzOID
	default:
		// binary, varbinary, blobs and spatial types
		return pgtype.ByteaOID
	}
}

// isVarlena reports whether values of a type may be left out of a row image
// and fetched later.
func isVarlena(typeID decoding.OID) bool {
	switch typeID {
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.ByteaOID, pgtype.JSONOID, pgtype.NumericOID:
		return true
	}
	return false
}

// byteaOutput renders binary values in hex form.
func byteaOutput(dst []byte, d decoding.Datum) []byte {
	var raw []byte
	switch v := d.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return decoding.TextOutput(dst, d)
	}
	dst = append(dst, `\x`...)
	n := len(dst)
	dst = append(dst, make([]byte, hex.EncodedLen(len(raw)))...)
	hex.Encode(dst[n:], raw)
	return dst
}

// bitOutput renders BIT values, which arrive as integers, as binary digits.
func bitOutput(dst []byte, d decoding.Datum) []byte {
	switch v := d.(type) {
	case int64:
		return strconv.AppendUint(dst, uint64(v), 2)
	case uint64:
		return strconv.AppendUint(dst, v, 2)
	}
	return decoding.TextOutput(dst, d)
}

// numericOutput renders DECIMAL values with the column's scale, as the
// server would print them.
func numericOutput(dst []byte, d decoding.Datum) []byte {
	switch v := d.(type) {
	case decimal.Decimal:
		if exp := v.Exponent(); exp < 0 {
			return append(dst, v.StringFixed(-exp)...)
		}
		return append(dst, v.String()...)
	case float64:
		return strconv.AppendFloat(dst, v, 'f', -1, 64)
	case float32:
		return strconv.AppendFloat(dst, float64(v), 'f', -1, 32)
	}
	return decoding.TextOutput(dst, d)
}

// unsignedValue reinterprets an integer decoded from a binlog row as the
// unsigned value of a column of the given DATA_TYPE.
func unsignedValue(dataType string, d interface{}) interface{} {
	switch v := d.(type) {
	case int8:
		return uint8(v)
	case int16:
		return uint16(v)
	case int32:
		if strings.EqualFold(dataType, "mediumint") {
			// 24-bit values arrive sign-extended
			return uint32(v) & 0xffffff
		}
		return uint32(v)
	case int64:
		return uint64(v)
	}
	return d
}

func typeOutput(typeID decoding.OID) decoding.OutputFunc {
	switch typeID {
	case pgtype.NumericOID:
		return numericOutput
	case pgtype.ByteaOID:
		return byteaOutput
	case pgtype.VarbitOID:
		return bitOutput
	}
	return decoding.TextOutput
}
