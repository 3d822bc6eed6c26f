package main

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"github.com/qdns/multidns/pipeline"
)

var resolveQType string

var resolveCmd = &cobra.Command{
	Use:   "resolve <domain>",
	Short: "Resolve a single domain against the configured upstreams",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		qtype, ok := dns.StringToType[resolveQType]
		if !ok {
			return fmt.Errorf("unknown record type %q", resolveQType)
		}

		r, err := buildResolver(configPath)
		if err != nil {
			return fmt.Errorf("building resolver: %w", err)
		}
		defer r.Close(cmd.Context())

		resp, err := r.Query(context.Background(), pipeline.Request{
			Domain: args[0],
			Type:   qtype,
		})
		if err != nil {
			return err
		}

		for _, rr := range resp.Records {
			fmt.Println(rr.String())
		}
		fmt.Printf("; upstream=%d elapsed=%dms cached=%v\n", resp.SourceUpstreamID, resp.ElapsedMs, resp.ServedFromCache)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVarP(&resolveQType, "type", "t", "A", "DNS record type to query")
}
