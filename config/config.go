// Package config loads service settings from an optional YAML file, .env
// files and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bosley/whisperwire/scribe"
)

const envPrefix = "WHISPERWIRE_"

type Server struct {
	Addr           string   `yaml:"addr" validate:"required"`
	CertFile       string   `yaml:"certFile" validate:"required_with=KeyFile"`
	KeyFile        string   `yaml:"keyFile" validate:"required_with=CertFile"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	MaxUploadMB    int64    `yaml:"maxUploadMB" validate:"gt=0"`
}

type Whisper struct {
	BinaryPath string `yaml:"binary" validate:"required"`
	ModelPath  string `yaml:"model" validate:"required"`
	Language   string `yaml:"language"`
	Threads    int    `yaml:"threads" validate:"gte=0"`
	Prompt     string `yaml:"prompt"`
}

type Audio struct {
	FFmpegPath  string `yaml:"ffmpeg" validate:"required"`
	FFprobePath string `yaml:"ffprobe" validate:"required"`
}

type Storage struct {
	WorkDir    string `yaml:"workDir" validate:"required"`
	ResultsDir string `yaml:"resultsDir" validate:"required"`
}

type Inbox struct {
	Dir     string `yaml:"dir"`
	Workers int    `yaml:"workers" validate:"gte=1,lte=32"`
}

type Summary struct {
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseURL" validate:"omitempty,url"`
}

// Config is the complete service configuration.
type Config struct {
	Server  Server  `yaml:"server"`
	Whisper Whisper `yaml:"whisper"`
	Audio   Audio   `yaml:"audio"`
	Storage Storage `yaml:"storage"`
	Inbox   Inbox   `yaml:"inbox"`
	Summary Summary `yaml:"summary"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:           ":8000",
			AllowedOrigins: []string{"http://localhost:5173"},
			MaxUploadMB:    512,
		},
		Whisper: Whisper{
			BinaryPath: "whisper-cli",
			ModelPath:  filepath.Join("models", "ggml-large-v3-turbo.bin"),
		},
		Audio: Audio{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
		},
		Storage: Storage{
			WorkDir:    filepath.Join(os.TempDir(), "whisperwire"),
			ResultsDir: "results",
		},
		Inbox: Inbox{
			Workers: 2,
		},
	}
}

// LoadEnv loads the first .env file found. Variables already set in the
// environment win over the file.
func LoadEnv() error {
	envPaths := []string{
		".env",
		".env.local",
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return fmt.Errorf("error loading %s file: %w", envPath, err)
			}
			slog.Debug("Loaded environment variables", "path", envPath)
			break
		}
	}

	return nil
}

// Load builds a validated configuration. path may be empty.
func Load(path string) (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and reports every failing field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	problems := make([]string, 0, len(validationErrs))
	for _, fieldError := range validationErrs {
		problems = append(problems, fmt.Sprintf("%s failed %q", fieldError.Namespace(), fieldError.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Addr, envPrefix+"ADDR")
	setString(&cfg.Server.CertFile, envPrefix+"CERT_FILE")
	setString(&cfg.Server.KeyFile, envPrefix+"KEY_FILE")
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	setString(&cfg.Whisper.BinaryPath, envPrefix+"WHISPER_BIN")
	setString(&cfg.Whisper.ModelPath, envPrefix+"WHISPER_MODEL")
	setString(&cfg.Whisper.Language, envPrefix+"LANGUAGE")
	setString(&cfg.Whisper.Prompt, envPrefix+"PROMPT")
	setString(&cfg.Audio.FFmpegPath, envPrefix+"FFMPEG")
	setString(&cfg.Audio.FFprobePath, envPrefix+"FFPROBE")
	setString(&cfg.Storage.WorkDir, envPrefix+"WORK_DIR")
	setString(&cfg.Storage.ResultsDir, envPrefix+"RESULTS_DIR")
	setString(&cfg.Inbox.Dir, envPrefix+"INBOX_DIR")
	setString(&cfg.Summary.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Summary.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Summary.Model, envPrefix+"SUMMARY_MODEL")

	if err := setInt(&cfg.Whisper.Threads, envPrefix+"THREADS"); err != nil {
		return err
	}
	if err := setInt(&cfg.Inbox.Workers, envPrefix+"WORKERS"); err != nil {
		return err
	}
	var maxUpload int
	if err := setInt(&maxUpload, envPrefix+"MAX_UPLOAD_MB"); err != nil {
		return err
	}
	if maxUpload != 0 {
		cfg.Server.MaxUploadMB = int64(maxUpload)
	}
	return nil
}

// Scribe converts the configuration into service settings.
func (c *Config) Scribe() scribe.Config {
	return scribe.Config{
		CertFile:       c.Server.CertFile,
		KeyFile:        c.Server.KeyFile,
		HTTPAddr:       c.Server.Addr,
		AllowedOrigins: c.Server.AllowedOrigins,
		MaxUploadBytes: c.Server.MaxUploadMB << 20,
		WhisperPath:    c.Whisper.BinaryPath,
		WhisperModel:   c.Whisper.ModelPath,
		Language:       c.Whisper.Language,
		Threads:        c.Whisper.Threads,
		Prompt:         c.Whisper.Prompt,
		FFmpegPath:     c.Audio.FFmpegPath,
		FFprobePath:    c.Audio.FFprobePath,
		WorkDir:        c.Storage.WorkDir,
		ResultsDir:     c.Storage.ResultsDir,
		InboxDir:       c.Inbox.Dir,
		Workers:        c.Inbox.Workers,
		OpenAIKey:      c.Summary.APIKey,
		SummaryModel:   c.Summary.Model,
		SummaryBaseURL: c.Summary.BaseURL,
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
