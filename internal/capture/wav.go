/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package capture

import (
	"encoding/binary"
	"fmt"
	"io"
)

// wavHeaderSize is the canonical PCM RIFF header length.
const wavHeaderSize = 44

// wavWriter emits a PCM WAV stream. The header is written up front with
// placeholder sizes and patched in Finalize once the data length is known,
// so captures stopped early still produce a valid file.
type wavWriter struct {
	w          io.WriteSeeker
	channels   int
	sampleRate int
	bitDepth   int
	dataBytes  int64
}

func newWAVWriter(w io.WriteSeeker, channels, sampleRate, bitDepth int) (*wavWriter, error) {
	ww := &wavWriter{
		w:          w,
		channels:   channels,
		sampleRate: sampleRate,
		bitDepth:   bitDepth,
	}
	if err := ww.writeHeader(0); err != nil {
		return nil, err
	}
	return ww, nil
}

func (ww *wavWriter) writeHeader(dataLen uint32) error {
	var buf [wavHeaderSize]byte

	byteRate := ww.sampleRate * ww.channels * ww.bitDepth / 8
	blockAlign := ww.channels * ww.bitDepth / 8

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+dataLen)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(ww.channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(ww.sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(ww.bitDepth))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataLen)

	_, err := ww.w.Write(buf[:])
	return err
}

// Write appends PCM sample data.
func (ww *wavWriter) Write(p []byte) (int, error) {
	n, err := ww.w.Write(p)
	ww.dataBytes += int64(n)
	return n, err
}

// Finalize patches the RIFF and data chunk sizes.
func (ww *wavWriter) Finalize() error {
	if ww.dataBytes > 0xFFFFFFFF-36 {
		return fmt.Errorf("capture too large for wav container: %d bytes", ww.dataBytes)
	}
	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := ww.writeHeader(uint32(ww.dataBytes)); err != nil {
		return err
	}
	_, err := ww.w.Seek(0, io.SeekEnd)
	return err
}
