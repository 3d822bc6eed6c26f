package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"github.com/qdns/multidns/pipeline"
	"github.com/qdns/multidns/resolver"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as a UDP DNS server, forwarding every query through the resolver",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := buildResolver(configPath)
		if err != nil {
			return fmt.Errorf("building resolver: %w", err)
		}
		defer r.Close(context.Background())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r.Start(ctx)

		mux := dns.NewServeMux()
		mux.HandleFunc(".", forwardHandler(r))

		srv := &dns.Server{Addr: serveAddr, Net: "udp", Handler: mux}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		fmt.Printf("multidns listening on %s (udp)\n", serveAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sigCh:
			return srv.ShutdownContext(context.Background())
		}
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", ":5053", "address to listen on")
}

func forwardHandler(r *resolver.Resolver) dns.HandlerFunc {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		reply := new(dns.Msg)
		reply.SetReply(req)

		if len(req.Question) == 0 {
			reply.Rcode = dns.RcodeFormatError
			_ = w.WriteMsg(reply)
			return
		}
		q := req.Question[0]

		resp, err := r.Query(context.Background(), pipeline.Request{
			Domain: q.Name,
			Type:   q.Qtype,
			Class:  q.Qclass,
		})
		if err != nil {
			reply.Rcode = dns.RcodeServerFailure
			_ = w.WriteMsg(reply)
			return
		}

		reply.Rcode = resp.Rcode
		reply.Authoritative = resp.Authoritative
		reply.Answer = resp.Records
		_ = w.WriteMsg(reply)
	}
}
