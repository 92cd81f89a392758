package pgtext

import (
	"strconv"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05.999999"

// FormatTimestamptz renders t the way Postgres prints a timestamptz with
// DateStyle ISO: microsecond precision without trailing zeros, followed by the
// zone offset as +HH, +HH:MM or +HH:MM:SS.
func FormatTimestamptz(t time.Time) string {
	return string(AppendTimestamptz(make([]byte, 0, 32), t))
}

// AppendTimestamptz is the append form of FormatTimestamptz.
func AppendTimestamptz(dst []byte, t time.Time) []byte {
	t = t.Round(time.Microsecond)
	dst = t.AppendFormat(dst, timestampLayout)

	_, offset := t.Zone()
	if offset < 0 {
		dst = append(dst, '-')
		offset = -offset
	} else {
		dst = append(dst, '+')
	}
	hours, minutes, seconds := offset/3600, (offset/60)%60, offset%60
	dst = appendTwoDigits(dst, hours)
	if minutes != 0 || seconds != 0 {
		dst = append(dst, ':')
		dst = appendTwoDigits(dst, minutes)
	}
	if seconds != 0 {
		dst = append(dst, ':')
		dst = appendTwoDigits(dst, seconds)
	}
	return dst
}

func appendTwoDigits(dst []byte, v int) []byte {
	if v < 10 {
		dst = append(dst, '0')
	}
	return strconv.AppendInt(dst, int64(v), 10)
}
