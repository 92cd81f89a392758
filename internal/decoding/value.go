package decoding

import (
	"bytes"

	"github.com/jackc/pgx/v5/pgtype"
)

// unchangedToastDatum is emitted in place of an out-of-line value that was
// not fetched.
const unchangedToastDatum = "unchanged-toast-datum"

// writeLiteral renders the text form of a value of type typeID as a JSON
// token.
func writeLiteral(buf *bytes.Buffer, typeID OID, text []byte) {
	switch typeID {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID, pgtype.OIDOID,
		pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		buf.Write(text)

	case pgtype.BitOID, pgtype.VarbitOID:
		buf.WriteByte('"')
		buf.Write(text)
		buf.WriteByte('"')

	case pgtype.BoolOID:
		if len(text) == 1 && text[0] == 't' {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	default:
		buf.WriteByte('"')
		start := 0
		for i, ch := range text {
			if ch == '"' {
				buf.Write(text[start : i+1])
				buf.WriteByte('"')
				start = i + 1
			}
		}
		buf.Write(text[start:])
		buf.WriteByte('"')
	}
}
