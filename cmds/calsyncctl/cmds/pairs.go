package cmds

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tierklinik-dobersberg/calsync/internal/pairs"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

func GetPairsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pairs",
		Aliases: []string{"pair"},
		Short:   "List and set up calendar pairs",
	}

	cmd.AddCommand(
		getPairsListCommand(),
		getPairsSetupCommand(),
		getPairsEnableCommand(true),
		getPairsEnableCommand(false),
	)

	return cmd
}

func getPairsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all known calendar pairs",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			cfg := loadConfig()

			st := openStore(ctx, cfg)
			defer st.Close()

			allPairs, err := st.ListPairs(ctx, false)
			if err != nil {
				logrus.Fatalf("failed to list pairs: %s", err)
			}

			printPairs(allPairs)
		},
	}
}

func getPairsSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Discover calendars on both services and create missing pairs",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			cfg := loadConfig()

			st := openStore(ctx, cfg)
			defer st.Close()

			googleClient, caldavClient := buildClients(ctx, cfg)

			manager := pairs.New(st, googleClient, caldavClient, pairs.Options{
				Pairs:                cfg.Pairs,
				MatchBySimilarity:    cfg.MatchBySimilarity,
				MapLeftoverToPrimary: cfg.MapLeftoverToPrimary,
				AutoCreateCalendars:  cfg.AutoCreateCalendars,
			}, slog.Default())

			allPairs, err := manager.Setup(ctx)
			if err != nil {
				logrus.Fatalf("failed to set up pairs: %s", err)
			}

			printPairs(allPairs)
		},
	}
}

func getPairsEnableCommand(enable bool) *cobra.Command {
	use, short := "enable [pair-id]", "Enable a calendar pair"
	if !enable {
		use, short = "disable [pair-id]", "Disable a calendar pair"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			cfg := loadConfig()

			st := openStore(ctx, cfg)
			defer st.Close()

			id, err := parsePairID(args[0])
			if err != nil {
				logrus.Fatalf("%s", err)
			}

			if err := st.SetPairEnabled(ctx, id, enable); err != nil {
				logrus.Fatalf("failed to update pair %d: %s", id, err)
			}
		},
	}
}

func printPairs(allPairs []*store.Pair) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tGOOGLE\tCALDAV\tDIRECTION\tENABLED\tTOKENS")

	for _, p := range allPairs {
		tokens := "-"
		if p.GoogleSyncToken != "" && p.CalDAVSyncToken != "" {
			tokens = "armed"
		} else if p.GoogleSyncToken != "" || p.CalDAVSyncToken != "" {
			tokens = "partial"
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\n",
			p.ID, p.GoogleName, p.CalDAVName, p.Direction, p.Enabled, tokens)
	}
}
