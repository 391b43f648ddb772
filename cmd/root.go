package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bosley/whisperwire/config"
)

var (
	Verbose    bool
	logJSON    bool
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "whisperwire",
	Short: "Transcribe audio with whisper.cpp and stream the progress to clients",
	Long: `Transcribe audio with whisper.cpp and stream the progress to clients.

- serve runs the HTTP/WebSocket service and the optional inbox watcher
- transcribe runs a local file through the same pipeline
- upload sends a file to a running server and follows its progress`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(newLogger(os.Stderr, Verbose, logJSON))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(uploadCmd)

	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
}

func newLogger(w io.Writer, verbose, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig reads the config file and environment, then applies the flags
// the user set explicitly on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	flags := map[string]*string{
		"whisper":  &cfg.Whisper.BinaryPath,
		"model":    &cfg.Whisper.ModelPath,
		"language": &cfg.Whisper.Language,
		"results":  &cfg.Storage.ResultsDir,
		"addr":     &cfg.Server.Addr,
		"cert":     &cfg.Server.CertFile,
		"key":      &cfg.Server.KeyFile,
		"inbox":    &cfg.Inbox.Dir,
	}
	for name, dst := range flags {
		if cmd.Flags().Lookup(name) == nil || !cmd.Flags().Changed(name) {
			continue
		}
		value, err := cmd.Flags().GetString(name)
		if err != nil {
			return nil, err
		}
		*dst = value
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// addEngineFlags registers the flags shared by every command that runs whisper.
func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().String("whisper", "", "Path to whisper executable")
	cmd.Flags().String("model", "", "Path to whisper model file")
	cmd.Flags().String("language", "", "Spoken language, empty to auto-detect")
	cmd.Flags().String("results", "", "Directory for saved results")
}
