package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/youpy/go-wav"
)

const (
	WhisperSampleRate    = 16000 // Rate required by Whisper
	whisperChannels      = 1     // Mono audio
	whisperBitsPerSample = 16    // pcm_s16le

	pcmAudioFormat = 1
)

type WavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// Format describes the PCM layout and length of a WAV file.
type Format struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	BitsPerSample uint16
	Duration      time.Duration
}

// WhisperReady reports whether the file can be handed to whisper without resampling.
func (f Format) WhisperReady() bool {
	return f.AudioFormat == pcmAudioFormat &&
		f.SampleRate == WhisperSampleRate &&
		f.NumChannels == whisperChannels &&
		f.BitsPerSample == whisperBitsPerSample
}

// WriteWavHeader writes a canonical 44 byte PCM header for dataSize bytes of samples.
func WriteWavHeader(w io.Writer, sampleRate uint32, numChannels, bitsPerSample uint16, dataSize uint32) error {
	blockAlign := numChannels * bitsPerSample / 8
	header := WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   pcmAudioFormat,
		NumChannels:   numChannels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	return binary.Write(w, binary.LittleEndian, header)
}

// WriteSilence creates a whisper-ready WAV file holding the given amount of silence.
func WriteSilence(path string, length time.Duration) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create wav file: %w", err)
	}
	defer file.Close()

	samples := uint32(length.Seconds() * WhisperSampleRate)
	dataSize := samples * whisperChannels * whisperBitsPerSample / 8
	if err := WriteWavHeader(file, WhisperSampleRate, whisperChannels, whisperBitsPerSample, dataSize); err != nil {
		return fmt.Errorf("failed to write wav header: %w", err)
	}
	if _, err := file.Write(make([]byte, dataSize)); err != nil {
		return fmt.Errorf("failed to write wav data: %w", err)
	}
	return nil
}

// Inspect reads the RIFF header of a WAV file.
func Inspect(path string) (Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return Format{}, err
	}
	defer file.Close()

	reader := wav.NewReader(file)
	wf, err := reader.Format()
	if err != nil {
		return Format{}, fmt.Errorf("failed to read wav format: %w", err)
	}

	length, err := reader.Duration()
	if err != nil {
		return Format{}, fmt.Errorf("failed to read wav duration: %w", err)
	}

	return Format{
		AudioFormat:   wf.AudioFormat,
		NumChannels:   wf.NumChannels,
		SampleRate:    wf.SampleRate,
		BitsPerSample: wf.BitsPerSample,
		Duration:      length,
	}, nil
}
