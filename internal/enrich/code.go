package enrich

import "strings"

// NormalizeCode turns a raw exchange code into the prefixed form used by instruments:
// 600000 -> SH600000, 000001 -> SZ000001, 830799 -> BJ830799. Codes that already carry
// an exchange prefix or suffix are canonicalized; anything else is returned upper-cased.
func NormalizeCode(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return c
	}

	if i := strings.IndexByte(c, '.'); i > 0 {
		num, ex := c[:i], c[i+1:]
		if isExchange(ex) && isDigits(num) {
			return ex + num
		}
		if isExchange(num) && isDigits(ex) {
			return num + ex
		}
	}
	if len(c) > 2 && isExchange(c[:2]) && isDigits(c[2:]) {
		return c
	}
	if !isDigits(c) {
		return c
	}

	switch {
	case strings.HasPrefix(c, "6"), strings.HasPrefix(c, "900"):
		return "SH" + c
	case strings.HasPrefix(c, "920"), strings.HasPrefix(c, "8"), strings.HasPrefix(c, "4"):
		return "BJ" + c
	case strings.HasPrefix(c, "0"), strings.HasPrefix(c, "3"), strings.HasPrefix(c, "200"):
		return "SZ" + c
	}
	return "UNKNOWN" + c
}

func isExchange(s string) bool {
	return s == "SH" || s == "SZ" || s == "BJ"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
