package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/miekg/dns"
	"github.com/mjl-/bstore"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/authority"
	"github.com/semihalev/authdns/cache"
	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/dnssec"
	"github.com/semihalev/authdns/update"
	"github.com/semihalev/authdns/zone"
)

var errNoDatabase = errors.New("bstore storage requires a database")

// Deps are the shared resources authorities are built with.
type Deps struct {
	// DB backs zones with bstore storage.
	DB *bstore.DB

	// Signatures is the signature cache shared by all signers.
	Signatures *cache.Cache
}

// Build creates a catalog from cfg. Authorities of prev whose definition is
// unchanged are carried over, so updated or transferred data survives a reload.
func Build(ctx context.Context, cfg *config.Config, deps Deps, prev *Catalog) (*Catalog, error) {
	c := New()

	for _, z := range cfg.Zones {
		name := dns.CanonicalName(z.Name)
		def := definition(cfg, z)

		a := prev.Lookup(name)
		if a != nil && prev.defs[name] == def {
			zlog.Debug("Zone unchanged", "zone", z.Name)
		} else {
			var err error
			if a, err = buildZone(ctx, cfg, deps, z); err != nil {
				return nil, fmt.Errorf("zone %s: %w", z.Name, err)
			}
			zlog.Info("Zone loaded", "zone", z.Name, "type", z.Type, "storage", z.Storage, "dnssec", a.DNSSECEnabled())
		}

		if err := c.Register(name, a); err != nil {
			return nil, err
		}
		c.defs[name] = def
	}

	if cfg.Recursion.Enabled {
		r, err := authority.NewForward(authority.ForwardOptions{
			Strategy:  cfg.Recursion.Strategy,
			Upstreams: cfg.Recursion.Upstreams,
			Timeout:   cfg.Recursion.Timeout.Duration,
			RateLimit: cfg.Recursion.RateLimit,
			CacheSize: cfg.Recursion.CacheSize,
		})
		if err != nil {
			return nil, fmt.Errorf("recursion: %w", err)
		}
		c.SetRecursion(r)
	}

	return c, nil
}

// definition fingerprints the settings a zone is built from. Global sections
// count only for the zones that read them, so unrelated changes keep updated
// zone data across a reload.
func definition(cfg *config.Config, z config.Zone) string {
	def := fmt.Sprintf("%+v", z)

	if z.Type == config.ZoneForward {
		r := cfg.Recursion
		return def + fmt.Sprintf("|%s|%d|%d", r.Timeout.Duration, r.RateLimit, r.CacheSize)
	}

	if z.File != "" || z.DNSSEC {
		def += "|" + cfg.Directory
	}

	if z.DNSSEC {
		def += fmt.Sprintf("|%s|%s", cfg.DNSSEC.Validity.Duration, cfg.DNSSEC.InceptionOffset.Duration)
	}

	if z.File != "" {
		if fi, err := os.Stat(cfg.Path(z.File)); err == nil {
			def += "|" + fi.ModTime().String()
		}
	}

	return def
}

func buildZone(ctx context.Context, cfg *config.Config, deps Deps, z config.Zone) (authority.Authority, error) {
	if z.Type == config.ZoneForward {
		return authority.NewForward(authority.ForwardOptions{
			Origin:    z.Name,
			Strategy:  z.Strategy,
			Upstreams: z.Upstreams,
			Timeout:   cfg.Recursion.Timeout.Duration,
			RateLimit: cfg.Recursion.RateLimit,
			CacheSize: cfg.Recursion.CacheSize,
		})
	}

	records, err := loadRecords(cfg, z)
	if err != nil {
		return nil, err
	}

	opts := authority.Options{
		Origin:    z.Name,
		Type:      z.Type,
		Records:   records,
		Primaries: z.Primaries,
	}

	if z.DNSSEC {
		keys, err := dnssec.LoadZoneKeys(z.Name, cfg.Directory, z.Keys)
		if err != nil {
			return nil, err
		}

		opts.Signer, err = dnssec.NewSigner(z.Name, keys, dnssec.Options{
			Validity:        cfg.DNSSEC.Validity.Duration,
			InceptionOffset: cfg.DNSSEC.InceptionOffset.Duration,
			Cache:           deps.Signatures,
			NSEC3:           z.NSEC3,
			Salt:            z.Salt,
			Iterations:      z.Iterations,
		})
		if err != nil {
			return nil, err
		}
	}

	if z.AllowUpdate {
		opts.Policy, err = update.NewPolicy(z.UpdateKeys, z.UpdateTSIG, z.UpdateNetwork)
		if err != nil {
			return nil, err
		}
	}

	if z.Type == config.ZonePrimary && z.Storage == config.StorageBstore {
		if deps.DB == nil {
			return nil, errNoDatabase
		}

		return authority.NewPersisted(ctx, deps.DB, opts)
	}

	return authority.NewMemory(opts)
}

func loadRecords(cfg *config.Config, z config.Zone) ([]dns.RR, error) {
	var records []dns.RR

	if z.File != "" {
		rrs, err := zone.ParseFile(cfg.Path(z.File), z.Name)
		if err != nil {
			return nil, err
		}
		records = append(records, rrs...)
	}

	if len(z.Records) > 0 {
		rrs, err := zone.ParseRecords(z.Name, z.Records)
		if err != nil {
			return nil, err
		}
		records = append(records, rrs...)
	}

	return records, nil
}
