package main

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"github.com/semihalev/authdns/dnssec"
)

type keygenOptions struct {
	algorithm string
	ksk       bool
	ttl       uint32
	dir       string
}

func newKeygenCmd() *cobra.Command {
	var opts keygenOptions

	cmd := &cobra.Command{
		Use:   "keygen <zone>",
		Short: "Generate a DNSSEC key pair for a zone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return keygen(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.algorithm, "algorithm", "a", "ECDSAP256SHA256", "signing algorithm")
	cmd.Flags().BoolVar(&opts.ksk, "ksk", false, "generate a key signing key")
	cmd.Flags().Uint32Var(&opts.ttl, "ttl", 3600, "DNSKEY record TTL")
	cmd.Flags().StringVarP(&opts.dir, "dir", "d", ".", "directory to write the key files to")

	return cmd
}

// keygen writes a new key pair and prints its file base; a KSK also gets its
// DS record printed for the parent zone.
func keygen(cmd *cobra.Command, zone string, opts keygenOptions) error {
	alg, ok := dns.StringToAlgorithm[strings.ToUpper(opts.algorithm)]
	if !ok {
		return fmt.Errorf("unknown algorithm %s", opts.algorithm)
	}

	k, err := dnssec.GenerateKey(zone, alg, opts.ksk, opts.ttl)
	if err != nil {
		return err
	}

	base, err := k.WriteFiles(opts.dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, base)

	if opts.ksk {
		fmt.Fprintln(out, k.DS(dns.SHA256).String())
	}

	return nil
}
