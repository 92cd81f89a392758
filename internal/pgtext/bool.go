package pgtext

import (
	"fmt"
	"strings"
)

// ParseBool accepts the boolean literals Postgres accepts for settings:
// any case-insensitive prefix of "true", "false", "yes", "no", at least two
// characters of "on" and "off", and the digits "1" and "0".
func ParseBool(value string) (bool, error) {
	if value != "" {
		switch value[0] {
		case 't', 'T':
			if hasPrefixFold("true", value) {
				return true, nil
			}
		case 'f', 'F':
			if hasPrefixFold("false", value) {
				return false, nil
			}
		case 'y', 'Y':
			if hasPrefixFold("yes", value) {
				return true, nil
			}
		case 'n', 'N':
			if hasPrefixFold("no", value) {
				return false, nil
			}
		case 'o', 'O':
			// "o" alone is ambiguous
			if len(value) >= 2 {
				if hasPrefixFold("on", value) {
					return true, nil
				}
				if hasPrefixFold("off", value) {
					return false, nil
				}
			}
		case '1':
			if len(value) == 1 {
				return true, nil
			}
		case '0':
			if len(value) == 1 {
				return false, nil
			}
		}
	}
	return false, fmt.Errorf("invalid boolean literal %q", value)
}

func hasPrefixFold(word, prefix string) bool {
	return len(prefix) <= len(word) && strings.EqualFold(word[:len(prefix)], prefix)
}
