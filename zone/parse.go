package zone

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/miekg/dns"
)

// Parse reads records in zone file format for origin.
func Parse(r io.Reader, origin, file string) ([]dns.RR, error) {
	origin = dns.Fqdn(origin)

	zp := dns.NewZoneParser(r, origin, file)
	zp.SetIncludeAllowed(true)

	var records []dns.RR
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if !InZone(origin, rr.Header().Name) {
			return nil, fmt.Errorf("%w: %s", ErrOutOfZone, rr.Header().Name)
		}
		records = append(records, rr)
	}

	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("parse zone %s: %w", origin, err)
	}

	return records, nil
}

// ParseFile reads the zone file at path for origin.
func ParseFile(path, origin string) ([]dns.RR, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f, origin, path)
}

// ParseRecords parses records given one per string in presentation format.
func ParseRecords(origin string, lines []string) ([]dns.RR, error) {
	origin = dns.Fqdn(origin)

	records := make([]dns.RR, 0, len(lines))
	for _, line := range lines {
		zp := dns.NewZoneParser(strings.NewReader(line), origin, "")
		rr, ok := zp.Next()
		if err := zp.Err(); err != nil {
			return nil, fmt.Errorf("parse record %q: %w", line, err)
		}
		if !ok {
			continue
		}
		if !InZone(origin, rr.Header().Name) {
			return nil, fmt.Errorf("%w: %s", ErrOutOfZone, rr.Header().Name)
		}
		records = append(records, rr)
	}

	return records, nil
}
