package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/policy/ratelimit"
)

// newPlatformsCmd lists every supported platform with its effective rate
// limit profile and whether an adapter is configured for it.
func newPlatformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List supported platforms and their rate limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			limiter := ratelimit.New(ratelimit.Config{Profiles: e.cfg.RateLimit.Profiles})
			configured := make(map[platform.Platform]bool, len(e.cfg.Platforms))
			for _, pc := range e.cfg.Platforms {
				configured[pc.Platform] = true
			}

			names := platform.Names()
			sort.Strings(names)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tRPM\tBURST\tCOOLDOWN\tCONFIGURED")
			for _, name := range names {
				p := limiter.Profile(name)
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%t\n",
					name, p.RequestsPerMinute, p.BurstSize, p.Cooldown, configured[platform.Platform(name)])
			}
			return w.Flush()
		},
	}
}
