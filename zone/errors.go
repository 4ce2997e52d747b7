package zone

import (
	"errors"

	"github.com/miekg/dns"
)

var (
	// ErrOutOfZone is returned for records that do not belong to the zone.
	ErrOutOfZone = errors.New("record out of zone")
	// ErrClass is returned for records of a class other than IN.
	ErrClass = errors.New("unsupported record class")
	// ErrRecordType is returned for meta types that cannot be stored.
	ErrRecordType = errors.New("unsupported record type")
	// ErrNoSOA is returned when the apex does not hold exactly one SOA.
	ErrNoSOA = errors.New("zone apex must have exactly one SOA")
	// ErrNoNS is returned when the apex holds no NS records.
	ErrNoNS = errors.New("zone apex must have NS records")
	// ErrCNAMEConflict is returned when a CNAME shares its owner with other data.
	ErrCNAMEConflict = errors.New("CNAME and other data")
)

// UpdateError rejects a dynamic update with the rcode defined by RFC 2136.
type UpdateError struct {
	Rcode  int
	Reason string
}

func (e *UpdateError) Error() string {
	return "update rejected (" + dns.RcodeToString[e.Rcode] + "): " + e.Reason
}

func reject(rcode int, reason string) *UpdateError {
	return &UpdateError{Rcode: rcode, Reason: reason}
}
