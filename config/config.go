package config

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// Config type.
type Config struct {
	Version         string
	Directory       string
	LogLevel        string
	AccessLog       string
	Bind            string
	BindTLS         string
	BindDOQ         string
	BindDOH         string
	TLSCertificate  string
	TLSPrivateKey   string
	API             string
	AccessList      []string
	ClientRateLimit int
	CookieSecret    string
	NSID            string
	Chaos           bool
	Database        string
	MaxCNAMEChain   int `toml:"max_cname_chain"`

	DNSSEC    DNSSEC
	Recursion Recursion
	TSIG      map[string]TSIGKey

	Zones []Zone `toml:"zone"`

	sVersion string
}

// DNSSEC holds signer settings shared by all signed zones.
type DNSSEC struct {
	Validity        Duration
	InceptionOffset Duration
	SignatureCache  int
}

// Recursion type.
type Recursion struct {
	Enabled   bool
	Strategy  string
	Upstreams []string
	Timeout   Duration
	RateLimit int
	CacheSize int
}

// TSIGKey type.
type TSIGKey struct {
	Algorithm string
	Secret    string
}

// Zone is the configured definition of one authoritative or forward zone.
type Zone struct {
	Name      string
	Type      string
	File      string
	Records   []string
	Storage   string
	Primaries []string

	DNSSEC     bool
	Keys       []string
	NSEC3      bool
	Salt       string
	Iterations uint16

	AllowUpdate   bool
	UpdateKeys    []string
	UpdateTSIG    []string
	UpdateNetwork []string

	Strategy  string
	Upstreams []string
}

// ServerVersion return current server version.
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration type.
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText for duration type.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Zone types.
const (
	ZonePrimary   = "primary"
	ZoneSecondary = "secondary"
	ZoneForward   = "forward"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageBstore = "bstore"
)

// Recursion strategies.
const (
	StrategyForward   = "forward"
	StrategyRecursive = "recursive"
)

var (
	errZoneName      = errors.New("zone name is required")
	errZoneDuplicate = errors.New("zone defined more than once")
	errZoneSource    = errors.New("zone has neither file nor records")
)

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Working directory for zone files, keys and the database.
directory = "."

# Address to bind to for the DNS server
bind = ":53"

# Address to bind to for the DNS-over-TLS server
# bindtls = ":853"

# Address to bind to for the DNS-over-QUIC server
# binddoq = ":853"

# Address to bind to for the DNS-over-HTTPS server, served at /dns-query
# binddoh = ":8053"

# TLS certificate file
# tlscertificate = "server.crt"

# TLS private key file
# tlsprivatekey = "server.key"

# Address to bind to for the http API server, left blank for disabled
api = "127.0.0.1:8080"

# What kind of information should be logged, Log verbosity level [debug,info,warn,error]
loglevel = "info"

# The location of access log file, left blank for disabled. Common Log Format is used.
# accesslog = ""

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Client ip address based ratelimit per minute, 0 for disabled
clientratelimit = 0

# DNS server identifier (RFC 5001), left blank for disabled
nsid = ""

# Enable to answer version.server, version.bind, hostname.bind, id.server chaos queries.
chaos = true

# Database file for zones with storage = "bstore"
database = "authdns.db"

# Maximum CNAME hops followed while answering, across local zones
max_cname_chain = 8

[dnssec]
# Validity of generated signatures
validity = "168h"
# Inception is set this far in the past to tolerate clock skew
inceptionoffset = "1h"
# Number of cached signatures
signaturecache = 65536

[recursion]
# Answer names outside the local zones when the client sets RD
enabled = false
# "forward" sends queries to upstreams, "recursive" iterates from the root
strategy = "forward"
upstreams = [
"8.8.8.8:53",
"1.1.1.1:53"
]
timeout = "2s"
# Upstream queries per second, 0 for unlimited
ratelimit = 0
# Number of cached upstream responses
cachesize = 10000

# TSIG keys usable for dynamic updates
# [tsig."update-key."]
# algorithm = "hmac-sha256."
# secret = "base64secret"

# Zones. type is primary, secondary or forward.
# [[zone]]
# name = "example.com."
# type = "primary"
# file = "example.com.zone"
# storage = "memory"
# dnssec = true
# keys = ["Kexample.com.+013+12345"]
# nsec3 = false
# allowupdate = true
# updatekeys = ["update.example.com. IN KEY 512 3 13 base64key"]
# updatetsig = ["update-key."]
# updatenetwork = ["127.0.0.0/8"]
`

// Load loads the given config file.
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version

	if config.CookieSecret == "" {
		var v uint64

		err := binary.Read(rand.Reader, binary.BigEndian, &v)
		if err != nil {
			return nil, err
		}

		config.CookieSecret = fmt.Sprintf("%16x", v)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) setDefaults() {
	if c.MaxCNAMEChain <= 0 {
		c.MaxCNAMEChain = 8
	}

	if c.DNSSEC.Validity.Duration == 0 {
		c.DNSSEC.Validity.Duration = 7 * 24 * time.Hour
	}

	if c.DNSSEC.InceptionOffset.Duration == 0 {
		c.DNSSEC.InceptionOffset.Duration = time.Hour
	}

	if c.DNSSEC.SignatureCache == 0 {
		c.DNSSEC.SignatureCache = 65536
	}

	if c.Recursion.Strategy == "" {
		c.Recursion.Strategy = StrategyForward
	}

	if c.Recursion.Timeout.Duration == 0 {
		c.Recursion.Timeout.Duration = 2 * time.Second
	}

	for i := range c.Zones {
		z := &c.Zones[i]
		z.Name = dns.CanonicalName(z.Name)

		if z.Type == "" {
			z.Type = ZonePrimary
		}

		if z.Storage == "" {
			z.Storage = StorageMemory
		}

		if z.Type == ZoneForward && z.Strategy == "" {
			z.Strategy = StrategyForward
		}
	}
}

// Validate checks the zone definitions for errors the catalog cannot recover from.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Zones))

	for _, z := range c.Zones {
		if z.Name == "" {
			return errZoneName
		}

		if _, ok := dns.IsDomainName(z.Name); !ok {
			return fmt.Errorf("zone %q: invalid name", z.Name)
		}

		if _, ok := seen[z.Name]; ok {
			return fmt.Errorf("zone %q: %w", z.Name, errZoneDuplicate)
		}
		seen[z.Name] = struct{}{}

		switch z.Type {
		case ZonePrimary:
			if z.File == "" && len(z.Records) == 0 && z.Storage != StorageBstore {
				return fmt.Errorf("zone %q: %w", z.Name, errZoneSource)
			}
		case ZoneSecondary:
			if z.File == "" && len(z.Records) == 0 && len(z.Primaries) == 0 {
				return fmt.Errorf("zone %q: %w", z.Name, errZoneSource)
			}
		case ZoneForward:
			if z.Strategy != StrategyForward && z.Strategy != StrategyRecursive {
				return fmt.Errorf("zone %q: unknown strategy %q", z.Name, z.Strategy)
			}
			if z.Strategy == StrategyForward && len(z.Upstreams) == 0 {
				return fmt.Errorf("zone %q: forward zone needs upstreams", z.Name)
			}
		default:
			return fmt.Errorf("zone %q: unknown type %q", z.Name, z.Type)
		}

		switch z.Storage {
		case StorageMemory, StorageBstore:
		default:
			return fmt.Errorf("zone %q: unknown storage %q", z.Name, z.Storage)
		}

		if z.DNSSEC && len(z.Keys) == 0 {
			return fmt.Errorf("zone %q: dnssec enabled without keys", z.Name)
		}

		for _, name := range z.UpdateTSIG {
			if _, ok := c.TSIG[dns.CanonicalName(name)]; !ok {
				return fmt.Errorf("zone %q: unknown tsig key %q", z.Name, name)
			}
		}
	}

	if c.Recursion.Enabled {
		switch c.Recursion.Strategy {
		case StrategyForward:
			if len(c.Recursion.Upstreams) == 0 {
				return errors.New("recursion: forward strategy needs upstreams")
			}
		case StrategyRecursive:
		default:
			return fmt.Errorf("recursion: unknown strategy %q", c.Recursion.Strategy)
		}
	}

	return nil
}

// TSIGSecrets returns the TSIG secrets keyed by fully qualified key name, in the
// form the dns.Server expects.
func (c *Config) TSIGSecrets() map[string]string {
	if len(c.TSIG) == 0 {
		return nil
	}

	secrets := make(map[string]string, len(c.TSIG))
	for name, key := range c.TSIG {
		secrets[dns.CanonicalName(name)] = key.Secret
	}

	return secrets
}

// Path resolves a file name relative to the configured directory.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) || c.Directory == "" {
		return name
	}

	return filepath.Join(c.Directory, name)
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
