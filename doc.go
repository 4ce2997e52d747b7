/*
Package main implements authdns, an authoritative DNS server with DNSSEC
online signing, dynamic updates and optional recursion.

authdns serves zones from memory, from a bstore database or by forwarding:

  - Primary zones loaded from master files or inline records
  - Secondary zones refreshed by zone transfer and NOTIFY
  - Forward zones answered by upstream resolvers or iterative resolution
  - Online DNSSEC signing with NSEC or NSEC3 denial of existence
  - Dynamic updates (RFC 2136) authorized by SIG(0), TSIG or client network
  - DNS over UDP, TCP, TLS, QUIC and HTTPS
  - Prometheus metrics and an HTTP management API

Architecture:

Requests pass a middleware chain before the authority handler answers them.
The order is defined in zregister.go:

 1. Recovery - Panic recovery
 2. Metrics - Prometheus query metrics
 3. AccessLog - Query logging
 4. AccessList - IP-based access control
 5. RateLimit - Query rate limiting per client, DNS cookie aware
 6. Chaos - Chaos TXT query responses
 7. Authority - Zone lookup, signing, updates and NOTIFY

Usage:

	authdns [flags]
	authdns [command]

Available Commands:

	serve       Run the DNS server (default)
	keygen      Generate a DNSSEC key pair for a zone
	help        Help about any command
	version     Print version information

Flags:

	-c, --config string   location of the config file (default "authdns.conf")
	-h, --help            help for authdns

The configuration and the zones are reloaded when the config file changes,
on SIGHUP, or through POST /api/v1/reload.
*/
package main
