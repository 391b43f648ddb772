package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bosley/whisperwire/scribe"
	"github.com/bosley/whisperwire/store"
)

var (
	withSummary bool
	apiKey      string
	printJSON   bool
)

func init() {
	addEngineFlags(transcribeCmd)
	transcribeCmd.Flags().BoolVarP(&withSummary, "summary", "s", false, "Also generate the summaries")
	transcribeCmd.Flags().StringVar(&apiKey, "api-key", "", "OpenAI API key, defaults to OPENAI_API_KEY")
	transcribeCmd.Flags().BoolVar(&printJSON, "json", false, "Print the result as JSON")
}

// transcribeCmd represents the transcribe command
var transcribeCmd = &cobra.Command{
	Use:   "transcribe FILE",
	Short: "Transcribe a local audio file",
	Long: `Transcribe a local audio file

- Convert to 16 kHz mono WAV when needed
- Run whisper with a progress bar on the terminal
- Save the result next to the server's results and print it`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Inbox.Dir = ""

		s, err := scribe.New(cfg.Scribe())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		bar := newProgressBar(os.Stderr, filepath.Base(args[0]))
		result, err := s.TranscribeFile(ctx, args[0], bar, withSummary, apiKey)
		bar.Finish(err == nil)
		if err != nil {
			return err
		}

		return printResult(cmd.OutOrStdout(), result, printJSON)
	},
}

func printResult(w io.Writer, result store.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if _, err := fmt.Fprintln(w, result.Transcription); err != nil {
		return err
	}
	if result.PetitResume != "" {
		fmt.Fprintf(w, "\n## Summary\n\n%s\n", result.PetitResume)
	}
	if result.GrosResume != "" {
		fmt.Fprintf(w, "\n## Detailed summary\n\n%s\n", result.GrosResume)
	}
	return nil
}
