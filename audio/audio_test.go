package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestInspectSilence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silence.wav")
	require.NoError(t, WriteSilence(path, 2*time.Second))

	format, err := Inspect(path)
	require.NoError(t, err)

	assert.True(t, format.WhisperReady())
	assert.Equal(t, uint32(WhisperSampleRate), format.SampleRate)
	assert.InDelta(t, 2.0, format.Duration.Seconds(), 0.01)
}

func TestInspectRejectsNonWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3 not a riff file"), 0o644))

	_, err := Inspect(path)
	assert.Error(t, err)
}

func TestWhisperReadyRequiresMono16k(t *testing.T) {
	f := Format{AudioFormat: 1, NumChannels: 2, SampleRate: 16000, BitsPerSample: 16}
	assert.False(t, f.WhisperReady())

	f.NumChannels = 1
	f.SampleRate = 44100
	assert.False(t, f.WhisperReady())
}

func TestProberReadsWavHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	require.NoError(t, WriteSilence(path, 3*time.Second))

	p := NewProber(filepath.Join(t.TempDir(), "no-ffprobe"))
	assert.InDelta(t, 3.0, p.DurationSeconds(context.Background(), path), 0.01)
}

func TestProberFallsBackToFFprobe(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "a.mp3")
	require.NoError(t, os.WriteFile(input, []byte("mp3"), 0o644))
	ffprobe := writeScript(t, dir, "ffprobe", `echo "61.250000"`)

	p := NewProber(ffprobe)
	assert.InDelta(t, 61.25, p.DurationSeconds(context.Background(), input), 0.001)
}

func TestProberUnknownDurationIsZero(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "a.mp3")
	require.NoError(t, os.WriteFile(input, []byte("mp3"), 0o644))

	failing := writeScript(t, dir, "ffprobe", `exit 1`)
	assert.Zero(t, NewProber(failing).DurationSeconds(context.Background(), input))

	garbage := writeScript(t, dir, "ffprobe2", `echo N/A`)
	assert.Zero(t, NewProber(garbage).DurationSeconds(context.Background(), input))
}

func TestConverterFailureIsConversionError(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.mp3")
	require.NoError(t, os.WriteFile(input, []byte("mp3"), 0o644))
	ffmpeg := writeScript(t, dir, "ffmpeg", `echo "Invalid data found" >&2; exit 1`)

	err := NewConverter(ffmpeg).ToWhisperWav(context.Background(), input, filepath.Join(dir, "out.wav"))
	require.Error(t, err)

	var convErr *ConversionError
	require.True(t, errors.As(err, &convErr))
	assert.Equal(t, input, convErr.Input)
	assert.Contains(t, convErr.Stderr, "Invalid data found")
}

func TestConverterMissingOutputIsConversionError(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.mp3")
	require.NoError(t, os.WriteFile(input, []byte("mp3"), 0o644))
	ffmpeg := writeScript(t, dir, "ffmpeg", `exit 0`)

	err := NewConverter(ffmpeg).ToWhisperWav(context.Background(), input, filepath.Join(dir, "out.wav"))
	var convErr *ConversionError
	assert.True(t, errors.As(err, &convErr))
}

func TestPrepareSkipsWhisperReadyInput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "ready.wav")
	require.NoError(t, WriteSilence(input, time.Second))

	// ffmpeg would fail if it were called
	ffmpeg := writeScript(t, dir, "ffmpeg", `exit 1`)

	path, converted, err := NewConverter(ffmpeg).Prepare(context.Background(), input, filepath.Join(dir, "out.wav"))
	require.NoError(t, err)
	assert.False(t, converted)
	assert.Equal(t, input, path)
}

func TestPrepareConvertsOtherInput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "voice.ogg")
	output := filepath.Join(dir, "voice_16k.wav")
	require.NoError(t, os.WriteFile(input, []byte("ogg"), 0o644))

	// the output path is the last argument
	ffmpeg := writeScript(t, dir, "ffmpeg", `for last; do :; done; echo wav > "$last"`)

	path, converted, err := NewConverter(ffmpeg).Prepare(context.Background(), input, output)
	require.NoError(t, err)
	assert.True(t, converted)
	assert.Equal(t, output, path)
	assert.FileExists(t, output)
}
