package cmds

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tierklinik-dobersberg/calsync/internal/adapter/google"
)

func GetAuthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Run the interactive Google OAuth flow and store the token",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			if err := google.Authenticate(cfg.GoogleCredentialsFile, cfg.GoogleTokenFile); err != nil {
				logrus.Fatalf("authentication failed: %s", err)
			}

			logrus.Infof("token stored at %s", cfg.GoogleTokenFile)
		},
	}
}
