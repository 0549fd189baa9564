/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package capture records audio from an input source into hashed WAV files.
// The source abstraction keeps the recorder testable and portable: platform
// capture backends (ALSA, CoreAudio, a USB interface daemon) plug in behind
// Source without touching the recording lifecycle.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/capfleet/capfleet/internal/protocol"
)

// StreamConfig describes one capture stream.
type StreamConfig struct {
	DeviceIndex int
	Channels    int
	SampleRate  int
	BitDepth    int
}

// Source opens PCM capture streams.
type Source interface {
	// Open starts capturing. The returned reader yields interleaved PCM
	// sample data until Close.
	Open(cfg StreamConfig) (io.ReadCloser, error)
	// Devices enumerates capturable inputs.
	Devices() ([]protocol.AudioDevice, error)
}

// Request are the parameters for one recording.
type Request struct {
	RecordingUUID string
	Dir           string
	Duration      int // seconds
	Channels      int
	SampleRate    int
	DeviceIndex   int
	BitDepth      int
	// OnProgress receives whole percentages, monotonically. May be nil.
	OnProgress func(percent int)
}

// Result describes a finished capture.
type Result struct {
	Filename       string
	Path           string
	FileSize       int64
	SHA256         string
	ActualDuration float64
}

// Recorder captures audio to WAV files.
type Recorder struct {
	source Source
	logger zerolog.Logger
}

// NewRecorder creates a recorder over the given source.
func NewRecorder(source Source, logger zerolog.Logger) *Recorder {
	return &Recorder{
		source: source,
		logger: logger.With().Str("component", "capture").Logger(),
	}
}

// Record captures until the requested duration is reached or ctx is
// cancelled. Cancellation is not an error: the file is finalized with
// whatever was captured and the result reports the shorter duration.
func (r *Recorder) Record(ctx context.Context, req Request) (*Result, error) {
	if req.Duration <= 0 {
		return nil, errors.New("duration must be positive")
	}
	if req.Channels <= 0 || req.SampleRate <= 0 || req.BitDepth <= 0 {
		return nil, fmt.Errorf("invalid stream parameters: channels=%d sample_rate=%d bit_depth=%d",
			req.Channels, req.SampleRate, req.BitDepth)
	}

	stream, err := r.source.Open(StreamConfig{
		DeviceIndex: req.DeviceIndex,
		Channels:    req.Channels,
		SampleRate:  req.SampleRate,
		BitDepth:    req.BitDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("open capture stream: %w", err)
	}
	defer stream.Close()

	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return nil, err
	}
	filename := req.RecordingUUID + ".wav"
	path := filepath.Join(req.Dir, filename)
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	wav, err := newWAVWriter(file, req.Channels, req.SampleRate, req.BitDepth)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	byteRate := int64(req.SampleRate * req.Channels * req.BitDepth / 8)
	totalBytes := byteRate * int64(req.Duration)
	hasher := sha256.New()
	sink := io.MultiWriter(wav, hasher)

	// Chunks of 100ms keep progress granular and the stop latency low.
	chunk := make([]byte, byteRate/10)
	var written int64
	lastPercent := -1

	r.logger.Info().
		Str("recording_uuid", req.RecordingUUID).
		Int("duration", req.Duration).
		Int("sample_rate", req.SampleRate).
		Msg("capture started")

capture:
	for written < totalBytes {
		select {
		case <-ctx.Done():
			r.logger.Info().
				Str("recording_uuid", req.RecordingUUID).
				Msg("capture stopped early")
			break capture
		default:
		}

		want := int64(len(chunk))
		if remaining := totalBytes - written; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(stream, chunk[:want])
		if n > 0 {
			if _, werr := sink.Write(chunk[:n]); werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write capture data: %w", werr)
			}
			written += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break capture
			}
			os.Remove(path)
			return nil, fmt.Errorf("read capture stream: %w", err)
		}

		if req.OnProgress != nil {
			percent := int(written * 100 / totalBytes)
			if percent > lastPercent {
				lastPercent = percent
				req.OnProgress(percent)
			}
		}
	}

	if err := wav.Finalize(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	if err := file.Sync(); err != nil {
		r.logger.Warn().Err(err).Msg("sync capture file")
	}

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	result := &Result{
		Filename:       filename,
		Path:           path,
		FileSize:       info.Size(),
		SHA256:         hex.EncodeToString(hasher.Sum(nil)),
		ActualDuration: float64(written) / float64(byteRate),
	}

	r.logger.Info().
		Str("recording_uuid", req.RecordingUUID).
		Int64("file_size", result.FileSize).
		Float64("actual_duration", result.ActualDuration).
		Msg("capture finished")
	return result, nil
}

// Devices enumerates the source's capture hardware.
func (r *Recorder) Devices() ([]protocol.AudioDevice, error) {
	return r.source.Devices()
}

// SilenceSource is a Source producing zeroed PCM, paced at the stream's
// real-time rate. It stands in where no capture hardware exists (CI,
// headless soak tests).
type SilenceSource struct {
	// Unpaced disables real-time pacing. Tests use this.
	Unpaced bool
}

type silenceStream struct {
	byteRate int64
	unpaced  bool
	started  time.Time
	read     int64
	closed   chan struct{}
}

func (s *SilenceSource) Open(cfg StreamConfig) (io.ReadCloser, error) {
	return &silenceStream{
		byteRate: int64(cfg.SampleRate * cfg.Channels * cfg.BitDepth / 8),
		unpaced:  s.Unpaced,
		started:  time.Now(),
		closed:   make(chan struct{}),
	}, nil
}

func (s *SilenceSource) Devices() ([]protocol.AudioDevice, error) {
	return []protocol.AudioDevice{
		{Index: 0, Name: "null capture", MaxInputChannels: 2, DefaultSampleRate: 48000},
	}, nil
}

func (st *silenceStream) Read(p []byte) (int, error) {
	select {
	case <-st.closed:
		return 0, io.EOF
	default:
	}

	if !st.unpaced {
		// Let the wall clock catch up to the amount of audio handed out.
		ahead := st.read + int64(len(p)) - int64(time.Since(st.started).Seconds()*float64(st.byteRate))
		if ahead > 0 {
			wait := time.Duration(ahead) * time.Second / time.Duration(st.byteRate)
			select {
			case <-st.closed:
				return 0, io.EOF
			case <-time.After(wait):
			}
		}
	}

	for i := range p {
		p[i] = 0
	}
	st.read += int64(len(p))
	return len(p), nil
}

func (st *silenceStream) Close() error {
	select {
	case <-st.closed:
	default:
		close(st.closed)
	}
	return nil
}
