package cmd

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bosley/whisperwire/client"
)

var uploadOpts client.Options

func init() {
	uploadCmd.Flags().StringVar(&uploadOpts.ServerURL, "server", "http://localhost:8000", "Server base URL")
	uploadCmd.Flags().BoolVar(&uploadOpts.Insecure, "insecure", false, "Enable insecure mode (skip certificate verification)")
	uploadCmd.Flags().StringVar(&uploadOpts.CertFile, "cert", "", "Path to server certificate file")
	uploadCmd.Flags().BoolVarP(&uploadOpts.EnableSummary, "summary", "s", false, "Ask the server for summaries")
	uploadCmd.Flags().StringVar(&uploadOpts.APIKey, "api-key", "", "OpenAI API key sent with the request")
	uploadCmd.Flags().BoolVar(&printJSON, "json", false, "Print the result as JSON")
}

// uploadCmd represents the upload command
var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Send a file to a running server and follow its progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(uploadOpts)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		bar := newProgressBar(os.Stderr, filepath.Base(args[0]))
		result, err := c.Transcribe(ctx, args[0], bar)
		bar.Finish(err == nil)
		if err != nil {
			return err
		}

		return printResult(cmd.OutOrStdout(), result, printJSON)
	},
}
