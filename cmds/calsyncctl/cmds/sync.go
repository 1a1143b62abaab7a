package cmds

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter"
	"github.com/tierklinik-dobersberg/calsync/internal/engine"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

func GetSyncCommand() *cobra.Command {
	var pairID int64

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization pass and exit",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			cfg := loadConfig()

			st := openStore(ctx, cfg)
			defer st.Close()

			googleClient, caldavClient := buildClients(ctx, cfg)

			policy, err := engine.ParsePolicy(cfg.ConflictPolicy)
			if err != nil {
				logrus.Fatalf("invalid conflict policy: %s", err)
			}

			eng := engine.New(st, googleClient, caldavClient, engine.Options{
				Policy:           policy,
				PastDays:         cfg.PastDays,
				FutureDays:       cfg.FutureDays,
				MaxEventsPerPass: cfg.MaxEventsPerPass,
			})

			var toSync []*store.Pair

			if pairID > 0 {
				pair, err := st.GetPair(ctx, pairID)
				if err != nil {
					logrus.Fatalf("failed to load pair %d: %s", pairID, err)
				}

				toSync = []*store.Pair{pair}
			} else {
				toSync, err = st.ListPairs(ctx, true)
				if err != nil {
					logrus.Fatalf("failed to list pairs: %s", err)
				}
			}

			fatal := false

			for _, pair := range toSync {
				rep, err := eng.SyncPair(ctx, pair.ID)
				if err != nil {
					if errors.Is(err, adapter.ErrAuth) || errors.Is(err, adapter.ErrFatal) {
						fatal = true
					}

					logrus.Errorf("pass for pair %d failed: %s", pair.ID, err)

					continue
				}

				printReport(pair, rep)
			}

			if fatal {
				logrus.Fatal("one or more passes hit a fatal error")
			}
		},
	}

	cmd.Flags().Int64Var(&pairID, "pair", 0, "sync only the given pair id")

	return cmd
}

func printReport(pair *store.Pair, rep *engine.Report) {
	line := fmt.Sprintf("pair %d (%s <-> %s): created=%d updated=%d deleted=%d skipped=%d failed=%d conflicts=%d",
		pair.ID, pair.GoogleName, pair.CalDAVName,
		rep.Created, rep.Updated, rep.Deleted, rep.Skipped, rep.Failed, rep.Conflicts)

	if rep.Truncated {
		line += " (truncated)"
	}
	if rep.TokensCleared {
		line += " (tokens cleared)"
	}

	logrus.Info(line)
}

func parsePairID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid pair id %q", arg)
	}

	return id, nil
}
