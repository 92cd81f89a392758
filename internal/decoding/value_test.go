package decoding

import (
	"bytes"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
)

func TestWriteLiteral(t *testing.T) {
	tests := []struct {
		typeID   OID
		text     string
		expected string
	}{
		{pgtype.Int2OID, "-3", "-3"},
		{pgtype.Int4OID, "42", "42"},
		{pgtype.Int8OID, "9223372036854775807", "9223372036854775807"},
		{pgtype.OIDOID, "16384", "16384"},
		{pgtype.Float4OID, "1.5", "1.5"},
		{pgtype.Float8OID, "NaN", "NaN"},
		{pgtype.NumericOID, "3.14159", "3.14159"},
		{pgtype.BitOID, "101", `"101"`},
		{pgtype.VarbitOID, `1"0`, `"1"0"`},
		{pgtype.BoolOID, "t", "true"},
		{pgtype.BoolOID, "f", "false"},
		{pgtype.BoolOID, "true", "false"},
		{pgtype.BoolOID, "", "false"},
		{pgtype.TextOID, `He said "hi"`, `"He said ""hi"""`},
		{pgtype.TextOID, `"`, `""""`},
		{pgtype.TextOID, "", `""`},
		{pgtype.JSONBOID, `{"a": 1}`, `"{""a"": 1}"`},
		{pgtype.ByteaOID, `\xdeadbeef`, `"\xdeadbeef"`},
		{pgtype.TimestamptzOID, "2024-03-07 09:05:01+00", `"2024-03-07 09:05:01+00"`},
		{99999, "custom", `"custom"`},
	}
	for _, test := range tests {
		var buf bytes.Buffer
		writeLiteral(&buf, test.typeID, []byte(test.text))
		assert.Equal(t, test.expected, buf.String(), "type %d text %q", test.typeID, test.text)
	}
}

type stringerValue struct{}

func (stringerValue) String() string { return "stringer" }

func TestTextOutput(t *testing.T) {
	tests := []struct {
		datum    Datum
		expected string
	}{
		{[]byte("raw"), "raw"},
		{"str", "str"},
		{true, "t"},
		{false, "f"},
		{int8(-8), "-8"},
		{int16(300), "300"},
		{int32(-70000), "-70000"},
		{int64(1 << 40), "1099511627776"},
		{uint8(255), "255"},
		{uint64(18446744073709551615), "18446744073709551615"},
		{float32(1.5), "1.5"},
		{float64(0.1), "0.1"},
		{time.Date(2024, 1, 2, 3, 4, 5, 600000000, time.UTC), "2024-01-02 03:04:05.6+00"},
		{stringerValue{}, "stringer"},
		{[]int{1, 2}, "[1 2]"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, string(TextOutput(nil, test.datum)))
	}
}

func TestScratchReset(t *testing.T) {
	s := newScratch()
	first := s.text(TextOutput, "hello")
	assert.Equal(t, "hello", string(first))
	second := s.text(TextOutput, int64(5))
	assert.Equal(t, "5", string(second))
	assert.Equal(t, "hello5", string(s.buf))

	s.hold([]byte("detoasted"))
	s.reset()
	assert.Empty(t, s.buf)
	assert.Empty(t, s.datums)

	s.buf = make([]byte, 0, maxRetainedScratch+1)
	s.reset()
	assert.LessOrEqual(t, cap(s.buf), maxRetainedScratch)
}
