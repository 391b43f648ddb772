package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bosley/whisperwire/scribe"
)

const stopTimeout = 30 * time.Second

func init() {
	addEngineFlags(serveCmd)
	serveCmd.Flags().String("addr", "", "HTTP listen address")
	serveCmd.Flags().String("cert", "", "Path to server certificate file")
	serveCmd.Flags().String("key", "", "Path to server key file")
	serveCmd.Flags().String("inbox", "", "Drop folder to watch for audio files")
}

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transcription service",
	Long: `Run the transcription service

- POST /transcribe/ accepts an upload and replies with the transcript
- /ws/{clientID} streams progress for that client's jobs
- files dropped in the inbox are transcribed in the background`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		s, err := scribe.New(cfg.Scribe())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		slog.Info("Starting whisperwire",
			"addr", cfg.Server.Addr,
			"model", cfg.Whisper.ModelPath,
			"inbox", cfg.Inbox.Dir,
			"tls", cfg.Server.CertFile != "")

		runErr := s.Start(ctx)
		slog.Debug("Received shutdown signal")

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := s.Stop(stopCtx); err != nil {
			slog.Error("Shutdown incomplete", "error", err)
			runErr = errors.Join(runErr, err)
		}
		return runErr
	},
}
