/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package capture

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/capfleet/capfleet/internal/protocol"
)

// FFmpegSource captures PCM through an ffmpeg child process reading the
// platform capture backend (ALSA on Linux, avfoundation on macOS). Keeping
// the codec work in ffmpeg avoids cgo and works anywhere ffmpeg does.
type FFmpegSource struct {
	// Binary overrides the ffmpeg executable path. Empty means $PATH lookup.
	Binary string
	// Device overrides the input device name. Empty picks the platform
	// default; a numeric StreamConfig.DeviceIndex maps to hw:N on ALSA.
	Device string

	logger zerolog.Logger
}

// NewFFmpegSource verifies ffmpeg is available.
func NewFFmpegSource(binary, device string, logger zerolog.Logger) (*FFmpegSource, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return &FFmpegSource{
		Binary: binary,
		Device: device,
		logger: logger.With().Str("component", "ffmpeg_source").Logger(),
	}, nil
}

func (f *FFmpegSource) inputArgs(cfg StreamConfig) []string {
	device := f.Device
	switch runtime.GOOS {
	case "darwin":
		if device == "" {
			device = ":" + strconv.Itoa(cfg.DeviceIndex)
		}
		return []string{"-f", "avfoundation", "-i", device}
	default:
		if device == "" {
			device = "hw:" + strconv.Itoa(cfg.DeviceIndex)
		}
		return []string{"-f", "alsa", "-i", device}
	}
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	logger zerolog.Logger
}

// sampleFormat maps a requested bit depth to ffmpeg's packed little-endian
// PCM format. The byte width must match what the WAV header advertises, so
// 24-bit stays 3 bytes per sample rather than widening to 32.
func sampleFormat(bitDepth int) string {
	switch bitDepth {
	case 24:
		return "s24le"
	case 32:
		return "s32le"
	default:
		return "s16le"
	}
}

func (f *FFmpegSource) Open(cfg StreamConfig) (io.ReadCloser, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, f.inputArgs(cfg)...)
	args = append(args,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", sampleFormat(cfg.BitDepth),
		"pipe:1",
	)

	cmd := exec.Command(f.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			f.logger.Warn().Str("ffmpeg", scanner.Text()).Msg("capture stderr")
		}
	}()

	f.logger.Debug().Strs("args", args).Msg("ffmpeg capture started")
	return &ffmpegStream{cmd: cmd, stdout: stdout, logger: f.logger}, nil
}

func (f *FFmpegSource) Devices() ([]protocol.AudioDevice, error) {
	// arecord -l style enumeration is ALSA-specific; ffmpeg itself has no
	// portable listing. Report the configured device as index 0.
	name := f.Device
	if name == "" {
		name = "default capture device"
	}
	return []protocol.AudioDevice{
		{Index: 0, Name: name, MaxInputChannels: 2, DefaultSampleRate: 48000},
	}, nil
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegStream) Close() error {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	if err != nil && !strings.Contains(err.Error(), "killed") {
		s.logger.Debug().Err(err).Msg("ffmpeg exited")
	}
	return nil
}
