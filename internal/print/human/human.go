// Package human provides types that support parsing and formatting
// human-friendly representations of values in various units.
//
// The types are used in the replay reports and the configuration file, for
// example:
//
//	type replayConfig struct {
//		BufferSize Bytes
//		LogFile    Path
//	}
package human

import (
	"fmt"
	"strings"
	"unicode"
)

// parseUnit splits s into its numeric head and trailing unit letters.
func parseUnit(s string) (head, unit string) {
	s = strings.TrimSpace(s)
	i := strings.LastIndexFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && r != 'µ'
	})
	if i < 0 {
		return "", s
	}
	head = strings.TrimRightFunc(s[:i+1], unicode.IsSpace)
	unit = s[i+1:]
	return head, unit
}

// match reports whether s is a case-insensitive prefix of pattern.
func match(s, pattern string) bool {
	return len(s) <= len(pattern) && strings.EqualFold(s, pattern[:len(s)])
}

func fabs(value float64) float64 {
	if value < 0 {
		return -value
	}
	return value
}

func ftoa(value, scale float64) string {
	if value == 0 {
		return "0"
	}
	if value < 0 {
		return "-" + ftoa(-value, scale)
	}

	var format string
	switch {
	case (value / scale) >= 100:
		format = "%.0f"
	case (value / scale) >= 10:
		format = "%.1f"
	case scale > 1:
		format = "%.2f"
	default:
		format = "%.3f"
	}

	s := fmt.Sprintf(format, value/scale)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

func printError(verb rune, typ, val any) string {
	return fmt.Sprintf("%%!%c(%T=%v)", verb, typ, val)
}
