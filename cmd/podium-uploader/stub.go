package main

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/podiumlabs/podium-uploader/internal/stub"
	"github.com/podiumlabs/podium-uploader/pkg/config"
	"github.com/podiumlabs/podium-uploader/pkg/logger"
)

func newStubCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stub",
		Short: "Run the local stub grading API",
		Long: `stub serves an in-memory stand-in for the Podium grading API: presigned
uploads, registration, processing triggers and batch polling. Meant for
local development and the end-to-end tests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			if cfg.Env == config.EnvProduction {
				gin.SetMode(gin.ReleaseMode)
			}

			srv, err := stub.NewServer(cfg.Stub, log)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
}
