package capture

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testRecorder() *Recorder {
	return NewRecorder(&SilenceSource{Unpaced: true}, zerolog.Nop())
}

func TestRecordProducesValidWAV(t *testing.T) {
	dir := t.TempDir()
	rec := testRecorder()

	result, err := rec.Record(context.Background(), Request{
		RecordingUUID: "rec-1",
		Dir:           dir,
		Duration:      2,
		Channels:      1,
		SampleRate:    16000,
		BitDepth:      16,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	wantData := int64(2 * 16000 * 2)
	if result.FileSize != wantData+wavHeaderSize {
		t.Fatalf("file size = %d, want %d", result.FileSize, wantData+wavHeaderSize)
	}
	if result.ActualDuration != 2.0 {
		t.Fatalf("actual duration = %f", result.ActualDuration)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "rec-1.wav"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		t.Fatal("not a RIFF/WAVE file")
	}
	if got := binary.LittleEndian.Uint32(raw[40:44]); int64(got) != wantData {
		t.Fatalf("data chunk size = %d, want %d", got, wantData)
	}
	if got := binary.LittleEndian.Uint32(raw[24:28]); got != 16000 {
		t.Fatalf("sample rate in header = %d", got)
	}
}

func TestRecordHashMatchesFileContents(t *testing.T) {
	dir := t.TempDir()
	rec := testRecorder()

	result, err := rec.Record(context.Background(), Request{
		RecordingUUID: "rec-hash",
		Dir:           dir,
		Duration:      1,
		Channels:      1,
		SampleRate:    8000,
		BitDepth:      16,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	raw, _ := os.ReadFile(result.Path)
	// The hash covers the sample data, not the header.
	sum := sha256.Sum256(raw[wavHeaderSize:])
	if hex.EncodeToString(sum[:]) != result.SHA256 {
		t.Fatal("hash does not match captured data")
	}
}

func TestRecordReportsMonotonicProgress(t *testing.T) {
	dir := t.TempDir()
	rec := testRecorder()

	var seen []int
	_, err := rec.Record(context.Background(), Request{
		RecordingUUID: "rec-progress",
		Dir:           dir,
		Duration:      1,
		Channels:      1,
		SampleRate:    16000,
		BitDepth:      16,
		OnProgress:    func(p int) { seen = append(seen, p) },
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if len(seen) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("progress not strictly increasing: %v", seen)
		}
	}
	if last := seen[len(seen)-1]; last != 100 {
		t.Fatalf("final progress = %d", last)
	}
	for _, p := range seen {
		if p < 0 || p > 100 {
			t.Fatalf("progress out of range: %d", p)
		}
	}
}

func TestRecordStopsEarlyOnCancel(t *testing.T) {
	dir := t.TempDir()
	// Paced source: 10 seconds of audio takes 10 wall seconds, so the
	// cancel below interrupts a genuinely in-flight capture.
	rec := NewRecorder(&SilenceSource{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	result, err := rec.Record(ctx, Request{
		RecordingUUID: "rec-early",
		Dir:           dir,
		Duration:      10,
		Channels:      1,
		SampleRate:    16000,
		BitDepth:      16,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if result.ActualDuration >= 10 {
		t.Fatalf("actual duration = %f, expected early stop", result.ActualDuration)
	}

	// File must still be a finalized WAV.
	raw, _ := os.ReadFile(result.Path)
	dataLen := binary.LittleEndian.Uint32(raw[40:44])
	if int64(dataLen) != result.FileSize-wavHeaderSize {
		t.Fatalf("header data length %d does not match file size %d", dataLen, result.FileSize)
	}
}

func TestRecordRejectsInvalidParameters(t *testing.T) {
	rec := testRecorder()
	if _, err := rec.Record(context.Background(), Request{RecordingUUID: "x", Dir: os.TempDir(), Duration: 0, Channels: 1, SampleRate: 16000, BitDepth: 16}); err == nil {
		t.Fatal("zero duration accepted")
	}
	if _, err := rec.Record(context.Background(), Request{RecordingUUID: "x", Dir: os.TempDir(), Duration: 1, Channels: 0, SampleRate: 16000, BitDepth: 16}); err == nil {
		t.Fatal("zero channels accepted")
	}
}

func TestSilenceSourceEOFAfterClose(t *testing.T) {
	src := &SilenceSource{Unpaced: true}
	stream, err := src.Open(StreamConfig{Channels: 1, SampleRate: 8000, BitDepth: 16})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stream.Close()
	if _, err := stream.Read(make([]byte, 16)); err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
}
