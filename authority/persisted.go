package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/mjl-/bstore"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/zone"
)

// Record is one resource record of a persisted zone, kept in presentation format.
type Record struct {
	ID    int64
	Zone  string `bstore:"nonzero,index Zone+Owner"`
	Owner string `bstore:"nonzero"`
	Type  uint16 `bstore:"nonzero"`
	Text  string `bstore:"nonzero"`
}

// ZoneState tracks the serial of a persisted zone.
type ZoneState struct {
	ID      int64
	Zone    string `bstore:"nonzero,unique"`
	Serial  uint32
	Updated time.Time `bstore:"default now"`
}

// DBTypes are the types stored by persisted authorities.
var DBTypes = []any{Record{}, ZoneState{}}

// OpenDB opens the zone database at path.
func OpenDB(ctx context.Context, path string) (*bstore.DB, error) {
	return bstore.Open(ctx, path, nil, DBTypes...)
}

const (
	persistAttempts = 4
	persistBackoff  = 50 * time.Millisecond
)

// Persisted is a memory authority whose data is mirrored in a bstore
// database. Committed updates are written to the database before they become
// visible, so a restart serves the updated zone.
type Persisted struct {
	*Memory

	db       *bstore.DB
	attempts int
	backoff  time.Duration
}

// NewPersisted loads the zone from db. On first use the zone is seeded from
// opts.Records; afterwards the database content wins over the records.
func NewPersisted(ctx context.Context, db *bstore.DB, opts Options) (*Persisted, error) {
	origin := strings.ToLower(dns.Fqdn(opts.Origin))

	records, err := loadRecords(ctx, db, origin)
	if err != nil {
		return nil, err
	}

	if records == nil {
		if len(opts.Records) == 0 {
			return nil, fmt.Errorf("zone %s: no records in database or configuration", origin)
		}

		if err := seed(ctx, db, origin, opts.Records); err != nil {
			return nil, err
		}
		records = opts.Records

		zlog.Info("Zone seeded into database", "zone", origin, "records", len(records))
	}

	opts.Records = records

	m, err := NewMemory(opts)
	if err != nil {
		return nil, err
	}

	p := &Persisted{Memory: m, db: db, attempts: persistAttempts, backoff: persistBackoff}
	m.persist = p.persist

	return p, nil
}

func loadRecords(ctx context.Context, db *bstore.DB, origin string) ([]dns.RR, error) {
	var records []dns.RR

	err := db.Read(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[ZoneState](tx).FilterNonzero(ZoneState{Zone: origin}).Exists()
		if err != nil || !exists {
			return err
		}

		rows, err := bstore.QueryTx[Record](tx).FilterNonzero(Record{Zone: origin}).List()
		if err != nil {
			return err
		}

		records = make([]dns.RR, 0, len(rows))
		for _, row := range rows {
			rr, err := dns.NewRR(row.Text)
			if err != nil {
				return fmt.Errorf("record %d of %s: %w", row.ID, origin, err)
			}
			records = append(records, rr)
		}

		return nil
	})

	return records, err
}

// persistable reports whether records of type t are stored; DNSSEC records
// are produced by the signer.
func persistable(t uint16) bool {
	switch t {
	case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeNSEC3PARAM, dns.TypeDNSKEY:
		return false
	}

	return true
}

func seed(ctx context.Context, db *bstore.DB, origin string, records []dns.RR) error {
	var serial uint32
	for _, rr := range records {
		if soa, ok := rr.(*dns.SOA); ok {
			serial = soa.Serial
		}
	}

	return db.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := bstore.QueryTx[Record](tx).FilterNonzero(Record{Zone: origin}).Delete(); err != nil {
			return err
		}

		for _, rr := range records {
			if !persistable(rr.Header().Rrtype) {
				continue
			}
			if err := tx.Insert(newRecord(origin, rr)); err != nil {
				return err
			}
		}

		return tx.Insert(&ZoneState{Zone: origin, Serial: serial})
	})
}

func newRecord(origin string, rr dns.RR) *Record {
	h := rr.Header()
	return &Record{Zone: origin, Owner: strings.ToLower(h.Name), Type: h.Rrtype, Text: rr.String()}
}

// persist writes the sets touched by c in one transaction, retrying with
// exponential backoff.
func (p *Persisted) persist(ctx context.Context, c *zone.Change) error {
	backoff := p.backoff

	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = p.write(ctx, c); err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}

		zlog.Warn("Zone persist failed", "zone", c.Zone, "attempt", attempt, "error", err.Error())

		if attempt < p.attempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	return fmt.Errorf("persist zone %s serial %d: %w", c.Zone, c.Serial, err)
}

func (p *Persisted) write(ctx context.Context, c *zone.Change) error {
	return p.db.Write(ctx, func(tx *bstore.Tx) error {
		for _, set := range c.Sets {
			if !persistable(set.Type) {
				continue
			}

			owner := strings.ToLower(set.Name)
			if _, err := bstore.QueryTx[Record](tx).FilterNonzero(Record{Zone: c.Zone, Owner: owner, Type: set.Type}).Delete(); err != nil {
				return err
			}

			for _, rr := range set.Records {
				if err := tx.Insert(newRecord(c.Zone, rr)); err != nil {
					return err
				}
			}
		}

		state, err := bstore.QueryTx[ZoneState](tx).FilterNonzero(ZoneState{Zone: c.Zone}).Get()
		if err != nil {
			return err
		}
		state.Serial = c.Serial
		state.Updated = time.Now()

		return tx.Update(&state)
	})
}
