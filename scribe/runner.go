package scribe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const lineBufferSize = 64

// Launcher starts the transcription engine for one input file.
type Launcher interface {
	Launch(ctx context.Context, inputPath string) (*Process, error)
}

// Engine runs a local whisper.cpp binary.
type Engine struct {
	BinaryPath string
	ModelPath  string

	// Optional engine arguments
	Language string
	Threads  int
	Prompt   string

	// Where the text artifact is written; next to the input when empty.
	OutputDir string
}

// Process is one running engine invocation. Stdout and Stderr deliver lines
// until the stream ends, at which point the channel is closed.
type Process struct {
	cmd      *exec.Cmd
	artifact string

	stdout chan string
	stderr chan string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	exitCode int
	waitErr  error
}

func (e *Engine) args(inputPath, outputBase string) []string {
	args := []string{
		"-m", e.ModelPath,
		"-f", inputPath,
		"-otxt",
		"-of", outputBase,
	}
	if e.Language != "" && !strings.EqualFold(e.Language, "auto") {
		args = append(args, "-l", e.Language)
	}
	if e.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(e.Threads))
	}
	if e.Prompt != "" {
		args = append(args, "--prompt", e.Prompt)
	}
	return args
}

// Launch verifies that the binary, model and input exist and starts the engine.
func (e *Engine) Launch(ctx context.Context, inputPath string) (*Process, error) {
	binary, err := resolveBinary(e.BinaryPath)
	if err != nil {
		return nil, &NotFoundError{What: "binary", Path: e.BinaryPath, Err: err}
	}
	if _, err := os.Stat(e.ModelPath); err != nil {
		return nil, &NotFoundError{What: "model", Path: e.ModelPath, Err: err}
	}
	if _, err := os.Stat(inputPath); err != nil {
		return nil, &NotFoundError{What: "input", Path: inputPath, Err: err}
	}

	outputBase := e.outputBase(inputPath)
	cmd := exec.CommandContext(ctx, binary, e.args(inputPath, outputBase)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	slog.Debug("Executing whisper command",
		"command", cmd.String(),
		"args", cmd.Args)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start whisper: %w", err)
	}

	p := &Process{
		cmd:      cmd,
		artifact: outputBase + ".txt",
		stdout:   make(chan string, lineBufferSize),
		stderr:   make(chan string, lineBufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(stdout, p.stdout, &readers)
	go p.pump(stderr, p.stderr, &readers)
	go p.reap(&readers)

	return p, nil
}

func (p *Process) Stdout() <-chan string { return p.stdout }
func (p *Process) Stderr() <-chan string { return p.stderr }

// Done is closed once both streams are drained and the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ArtifactPath is where the engine writes its text output.
func (p *Process) ArtifactPath() string { return p.artifact }

// ExitCode is valid after Done is closed. It is -1 when the process was killed
// or could not be waited on.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// WaitErr returns the error from reaping the process, if any.
func (p *Process) WaitErr() error {
	<-p.done
	return p.waitErr
}

// Kill terminates the process and releases both readers.
func (p *Process) Kill() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.cmd.Process != nil {
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				slog.Warn("Failed to kill whisper process", "error", err, "pid", p.cmd.Process.Pid)
			}
		}
	})
}

func (p *Process) pump(r io.Reader, out chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanLines)

	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-p.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-p.stop:
		default:
			slog.Debug("Output reader stopped", "error", err)
		}
	}
}

func (p *Process) reap(readers *sync.WaitGroup) {
	defer close(p.done)

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	// Wait closes the pipes, so on the kill path it also unblocks the readers.
	select {
	case <-drained:
	case <-p.stop:
	}

	err := p.cmd.Wait()
	<-drained

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitCode()
	default:
		p.exitCode = -1
		p.waitErr = err
	}
}

func (e *Engine) outputBase(inputPath string) string {
	base := artifactBase(inputPath)
	if e.OutputDir == "" {
		return base
	}
	return filepath.Join(e.OutputDir, filepath.Base(base)+"-"+uuid.NewString()[:8])
}

func resolveBinary(path string) (string, error) {
	if path == "" {
		return "", os.ErrNotExist
	}
	if !strings.ContainsRune(path, filepath.Separator) {
		return exec.LookPath(path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

func artifactBase(inputPath string) string {
	return strings.TrimSuffix(inputPath, filepath.Ext(inputPath))
}

// scanLines splits on \n, \r\n and bare \r so carriage-return progress
// updates arrive as separate lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// might be the first half of \r\n
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
