package zone

import (
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Compare orders two domain names in DNSSEC canonical order (RFC 4034 section 6.1):
// labels are compared right to left as lowercase octet strings and a name sorts
// before all of its descendants.
func Compare(a, b string) int {
	la := dns.SplitDomainName(a)
	lb := dns.SplitDomainName(b)

	i, j := len(la)-1, len(lb)-1
	for i >= 0 && j >= 0 {
		if c := strings.Compare(labelKey(la[i]), labelKey(lb[j])); c != 0 {
			return c
		}
		i--
		j--
	}

	switch {
	case i < 0 && j < 0:
		return 0
	case i < 0:
		return -1
	default:
		return 1
	}
}

// labelKey returns the lowercased octets of a presentation format label.
func labelKey(l string) string {
	if strings.IndexByte(l, '\\') < 0 {
		return strings.ToLower(l)
	}

	b := make([]byte, 0, len(l))
	for i := 0; i < len(l); i++ {
		c := l[i]
		if c == '\\' && i+1 < len(l) {
			if i+3 < len(l) && isDigit(l[i+1]) && isDigit(l[i+2]) && isDigit(l[i+3]) {
				n, _ := strconv.Atoi(l[i+1 : i+4])
				c = byte(n)
				i += 3
			} else {
				i++
				c = l[i]
			}
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b = append(b, c)
	}

	return string(b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// SortNames sorts names in canonical order.
func SortNames(names []string) {
	sort.Slice(names, func(i, j int) bool { return Compare(names[i], names[j]) < 0 })
}

// Parent returns the immediate parent of name, or "" for the root.
func Parent(name string) string {
	if name == "" || name == "." {
		return ""
	}

	off, end := dns.NextLabel(name, 0)
	if end {
		return "."
	}

	return name[off:]
}

// InZone reports whether name is at or below origin.
func InZone(origin, name string) bool {
	return dns.IsSubDomain(origin, name)
}

// SerialGreater compares SOA serials with RFC 1982 arithmetic.
func SerialGreater(a, b uint32) bool {
	return a != b && int32(a-b) > 0
}
