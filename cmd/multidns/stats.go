package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the tracked health of every configured upstream",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := buildResolver(configPath)
		if err != nil {
			return fmt.Errorf("building resolver: %w", err)
		}
		defer r.Close(context.Background())

		for _, s := range r.Stats() {
			fmt.Printf("upstream=%d name=%s available=%v consecutive_failures=%d latency_ewma_ms=%.1f total_successes=%d total_failures=%d\n",
				s.ID, s.Name, s.State.Available, s.State.ConsecutiveFailures, s.State.LatencyEWMAms, s.State.TotalSuccesses, s.State.TotalFailures)
		}

		info := r.EmergencyInfo()
		if info.AllFailed {
			fmt.Println("emergency: all upstreams failed")
		}
		return nil
	},
}
