package cmds

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

func GetStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-pair sync state and mapping counts",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			cfg := loadConfig()

			st := openStore(ctx, cfg)
			defer st.Close()

			allPairs, err := st.ListPairs(ctx, false)
			if err != nil {
				logrus.Fatalf("failed to list pairs: %s", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer w.Flush()

			fmt.Fprintln(w, "ID\tGOOGLE\tCALDAV\tENABLED\tLAST SYNC\tACTIVE\tDELETED")

			for _, p := range allPairs {
				active, err := st.ListMappings(ctx, p.ID, store.MappingActive)
				if err != nil {
					logrus.Fatalf("failed to list mappings for pair %d: %s", p.ID, err)
				}

				deleted, err := st.ListMappings(ctx, p.ID, store.MappingDeleted)
				if err != nil {
					logrus.Fatalf("failed to list mappings for pair %d: %s", p.ID, err)
				}

				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%d\t%d\n",
					p.ID, p.GoogleName, p.CalDAVName, p.Enabled,
					formatLastSync(p.GoogleLastSyncedAt), len(active), len(deleted))
			}
		},
	}
}

func formatLastSync(t *time.Time) string {
	if t == nil {
		return "never"
	}

	return t.Local().Format(time.RFC3339)
}
