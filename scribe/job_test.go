package scribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// argParsing extracts the -of value the way whisper-cli receives it.
const argParsing = `out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -of) out="$2"; shift ;;
  esac
  shift
done
`

type fakeEngine struct {
	engine *Engine
	input  string
}

// newFakeEngine writes script as a stand-in whisper binary next to a dummy
// model and input file.
func newFakeEngine(t *testing.T, script string) fakeEngine {
	t.Helper()
	dir := t.TempDir()

	binary := filepath.Join(dir, "whisper-cli")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"+argParsing+script), 0o755))

	model := filepath.Join(dir, "ggml-test.bin")
	require.NoError(t, os.WriteFile(model, []byte("model"), 0o644))

	input := filepath.Join(dir, "meeting.wav")
	require.NoError(t, os.WriteFile(input, []byte("audio"), 0o644))

	return fakeEngine{
		engine: &Engine{BinaryPath: binary, ModelPath: model},
		input:  input,
	}
}

func runFake(t *testing.T, script string, duration float64) (*Job, *recordingSink, fakeEngine, error) {
	t.Helper()
	fake := newFakeEngine(t, script)
	sink := &recordingSink{}
	c := NewCoordinator(fake.engine, nil, nil)

	job, err := c.Run(context.Background(), JobRequest{
		AudioPath: fake.input,
		ClientID:  "client-1",
		Duration:  duration,
	}, sink)
	require.NotNil(t, job)
	return job, sink, fake, err
}

func TestRunReadsArtifact(t *testing.T) {
	job, sink, fake, err := runFake(t, `
echo "whisper_init_from_file_with_params_no_state: loading model from 'ggml-test.bin'" >&2
echo "whisper_print_progress_callback: progress = 50%" >&2
echo "[00:00:00.000 --> 00:00:02.000]  Hello world"
printf 'Hello world\nSecond line\n' > "$out.txt"
`, 10)
	require.NoError(t, err)

	assert.Equal(t, JobSucceeded, job.State)
	assert.Equal(t, "Hello world\nSecond line", job.Transcript)
	assert.Equal(t, 100, job.LastPercent)
	assert.Equal(t, 0, job.ExitCode)
	assert.False(t, job.ErrorSeen)
	assert.NotEmpty(t, job.ID)

	values := sink.Values()
	require.NotEmpty(t, values)
	assert.Equal(t, 0, values[0])
	assert.Equal(t, 100, values[len(values)-1])
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1]-maxBacktrack)
	}

	assert.NoFileExists(t, filepath.Join(filepath.Dir(fake.input), "meeting.txt"))
}

func TestRunFallsBackToStdout(t *testing.T) {
	job, _, _, err := runFake(t, `
echo "[00:00:00.000 --> 00:00:02.000]  Bonjour"
echo ""
echo "[00:00:02.000 --> 00:00:04.000]  [BLANK_AUDIO]"
echo "[00:00:04.000 --> 00:00:06.000]  Au revoir"
`, 6)
	require.NoError(t, err)

	assert.Equal(t, JobSucceeded, job.State)
	assert.Equal(t,
		"[00:00:00.000 --> 00:00:02.000]  Bonjour\n[00:00:04.000 --> 00:00:06.000]  Au revoir",
		job.Transcript)
}

func TestRunEmptyTranscriptFails(t *testing.T) {
	job, sink, _, err := runFake(t, `
echo "whisper_init_state: kv self size" >&2
`, 0)
	require.Error(t, err)

	var failure *ProcessFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "empty transcript", failure.Reason)
	assert.Equal(t, 0, failure.ExitCode)
	assert.Equal(t, JobFailed, job.State)

	assert.NotContains(t, sink.Values(), 100)
}

func TestRunNonZeroExitFails(t *testing.T) {
	job, sink, fake, err := runFake(t, `
echo "error: failed to initialize whisper context" >&2
printf 'partial\n' > "$out.txt"
exit 3
`, 0)
	require.Error(t, err)

	var failure *ProcessFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 3, failure.ExitCode)
	assert.Contains(t, failure.Stderr, "failed to initialize whisper context")
	assert.Contains(t, err.Error(), "exit=3")

	assert.Equal(t, JobFailed, job.State)
	assert.True(t, job.ErrorSeen)
	assert.Empty(t, job.Transcript)
	assert.NotContains(t, sink.Values(), 100)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(fake.input), "meeting.txt"))
}

func TestLaunchReportsMissingFiles(t *testing.T) {
	fake := newFakeEngine(t, "exit 0\n")

	tests := []struct {
		name   string
		engine Engine
		input  string
		what   string
	}{
		{"binary", Engine{BinaryPath: "/nonexistent/whisper-cli", ModelPath: fake.engine.ModelPath}, fake.input, "binary"},
		{"binary on PATH", Engine{BinaryPath: "whisper-cli-does-not-exist", ModelPath: fake.engine.ModelPath}, fake.input, "binary"},
		{"model", Engine{BinaryPath: fake.engine.BinaryPath, ModelPath: "/nonexistent/model.bin"}, fake.input, "model"},
		{"input", *fake.engine, "/nonexistent/audio.wav", "input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(&tt.engine, nil, nil)
			sink := &recordingSink{}

			job, err := c.Run(context.Background(), JobRequest{AudioPath: tt.input, ClientID: "client-1"}, sink)

			var notFound *NotFoundError
			require.ErrorAs(t, err, &notFound)
			assert.Equal(t, tt.what, notFound.What)
			assert.Equal(t, JobFailed, job.State)
			assert.Empty(t, sink.Values())
		})
	}
}

func TestRunCancelKillsEngine(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "engine.pid")
	fake := newFakeEngine(t, fmt.Sprintf(`
echo $$ > %q
echo "whisper_print_progress_callback: progress = 10%%" >&2
exec sleep 30
`, pidFile))
	sink := &recordingSink{}
	c := NewCoordinator(fake.engine, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		job *Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		job, err := c.Run(ctx, JobRequest{AudioPath: fake.input, ClientID: "client-1"}, sink)
		done <- result{job, err}
	}()

	require.Eventually(t, func() bool {
		values := sink.Values()
		return len(values) > 0 && values[len(values)-1] == 10
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, JobCancelled, res.job.State)
	assert.True(t, errors.Is(res.err, context.Canceled))

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	// the engine is gone, not merely detached
	assert.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
	}, 2*time.Second, 10*time.Millisecond)

	sent := len(sink.Values())
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, sink.Values(), sent)
	assert.NotContains(t, sink.Values(), 100)
}

func TestRunAlreadyCancelled(t *testing.T) {
	fake := newFakeEngine(t, "exit 0\n")
	c := NewCoordinator(fake.engine, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, err := c.Run(ctx, JobRequest{AudioPath: fake.input, ClientID: "client-1"}, &recordingSink{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, JobCancelled, job.State)
}

func TestEngineArgs(t *testing.T) {
	e := &Engine{ModelPath: "m.bin", Language: "fr", Threads: 4, Prompt: "meeting"}
	assert.Equal(t, []string{
		"-m", "m.bin",
		"-f", "/tmp/in.wav",
		"-otxt",
		"-of", "/tmp/in",
		"-l", "fr",
		"-t", "4",
		"--prompt", "meeting",
	}, e.args("/tmp/in.wav", "/tmp/in"))

	auto := &Engine{ModelPath: "m.bin", Language: "auto"}
	assert.NotContains(t, auto.args("in.wav", "in"), "-l")
}

func TestEngineOutputBase(t *testing.T) {
	e := &Engine{}
	assert.Equal(t, "/inbox/call", e.outputBase("/inbox/call.mp3"))

	e.OutputDir = "/work"
	base := e.outputBase("/inbox/call.mp3")
	assert.Equal(t, "/work", filepath.Dir(base))
	assert.Regexp(t, `^call-[0-9a-f]{8}$`, filepath.Base(base))
}

func TestRunWritesArtifactToOutputDir(t *testing.T) {
	fake := newFakeEngine(t, `printf 'from work dir\n' > "$out.txt"
`)
	fake.engine.OutputDir = t.TempDir()
	c := NewCoordinator(fake.engine, nil, nil)

	job, err := c.Run(context.Background(), JobRequest{AudioPath: fake.input, ClientID: "client-1"}, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, "from work dir", job.Transcript)

	entries, err := os.ReadDir(fake.engine.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJobTransitions(t *testing.T) {
	job := &Job{State: JobPending}
	require.NoError(t, job.transition(JobRunning))
	require.NoError(t, job.transition(JobSucceeded))
	assert.Error(t, job.transition(JobRunning))

	assert.True(t, isValidTransition(JobPending, JobFailed))
	assert.True(t, isValidTransition(JobPending, JobCancelled))
	assert.False(t, isValidTransition(JobPending, JobSucceeded))
	assert.False(t, isValidTransition(JobFailed, JobRunning))
}

func TestExtractText(t *testing.T) {
	assert.Equal(t, "one\ntwo", extractText([]string{" one ", "", "[BLANK_AUDIO]", "two"}))
	assert.Empty(t, extractText(nil))
}
