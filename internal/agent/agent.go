/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package agent is the edge-side half of the fleet: it keeps one persistent
// WebSocket to the coordinator, heartbeats on it, and executes capture
// commands. The agent holds no policy; the coordinator decides what and
// when to record.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/capfleet/capfleet/internal/agent/cleaner"
	"github.com/capfleet/capfleet/internal/capture"
	"github.com/capfleet/capfleet/internal/protocol"
	"github.com/capfleet/capfleet/internal/storage"
)

// Agent runs the edge device loop.
type Agent struct {
	cfg      *Config
	recorder *capture.Recorder
	archive  storage.ObjectStore // nil when no S3 archive configured
	cleaner  *cleaner.Cleaner
	logger   zerolog.Logger

	mu               sync.Mutex
	status           string
	currentRecording string
	stopCapture      context.CancelFunc
	captureDone      chan struct{}
}

// New creates an agent.
func New(cfg *Config, recorder *capture.Recorder, archive storage.ObjectStore, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		recorder: recorder,
		archive:  archive,
		cleaner:  cleaner.New(cfg.RecordingsDir, cfg.MaxCacheBytes, logger),
		logger:   logger.With().Str("component", "agent").Logger(),
		status:   protocol.StatusIdle,
	}
}

// Run connects and reconnects until ctx is cancelled. The backoff resets on
// every successful registration, so a flapping link retries quickly and a
// dead one settles at the cap.
func (a *Agent) Run(ctx context.Context) error {
	backoff := &Backoff{Initial: a.cfg.ReconnectInitial.Std(), Max: a.cfg.ReconnectMax.Std()}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		registered, err := a.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			backoff.Reset()
		}

		delay := backoff.Next()
		a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("session ended, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session wraps one live connection.
type session struct {
	conn     *ws.Conn
	outbound chan []byte
	closed   chan struct{}
}

// send queues a frame without blocking. The writer drains outbound; if it
// has stalled long enough to fill the queue, dropping the frame beats
// wedging the capture goroutine behind a dead connection.
func (s *session) send(eventType string, data any) error {
	raw, err := protocol.Encode(eventType, data)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return errors.New("session closed")
	case s.outbound <- raw:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

// runSession dials, registers, and serves one connection until it dies.
// registered reports whether the handshake completed, which resets the
// caller's backoff.
func (a *Agent) runSession(ctx context.Context) (registered bool, _ error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := ws.Dial(dialCtx, a.cfg.ServerURL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", a.cfg.ServerURL, err)
	}
	defer conn.Close(ws.StatusInternalError, "agent error")

	ctx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	sess := &session{
		conn:     conn,
		outbound: make(chan []byte, 32),
		closed:   make(chan struct{}),
	}
	defer close(sess.closed)

	if err := a.register(ctx, conn); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	a.logger.Info().
		Str("device_id", a.cfg.DeviceID).
		Str("server", a.cfg.ServerURL).
		Msg("registered with coordinator")

	inbound := make(chan *protocol.Envelope, 16)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				a.logger.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			select {
			case inbound <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval.Std())
	defer heartbeat.Stop()

	// First heartbeat goes out immediately so the coordinator sees a fresh
	// timestamp before the first interval elapses.
	a.sendHeartbeat(sess)

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "agent shutting down")
			return true, nil

		case <-readDone:
			return true, errors.New("connection lost")

		case <-heartbeat.C:
			a.sendHeartbeat(sess)

		case raw := <-sess.outbound:
			if err := conn.Write(ctx, ws.MessageText, raw); err != nil {
				return true, fmt.Errorf("write: %w", err)
			}

		case env := <-inbound:
			a.handleCommand(ctx, sess, env)
		}
	}
}

func platformName() string {
	return runtime.GOOS
}

// register performs the handshake: send edge.register, wait for the ack,
// and persist a newly assigned identity.
func (a *Agent) register(ctx context.Context, conn *ws.Conn) error {
	devices, err := a.recorder.Devices()
	if err != nil {
		a.logger.Warn().Err(err).Msg("enumerate audio devices")
	}

	raw, err := protocol.Encode(protocol.EventRegister, protocol.Register{
		DeviceID:     a.cfg.DeviceID,
		DeviceName:   a.cfg.DeviceName,
		Platform:     platformName(),
		AudioConfig:  a.cfg.Audio,
		AudioDevices: devices,
	})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, ws.MessageText, raw); err != nil {
		return err
	}

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, ackRaw, err := conn.Read(readCtx)
	if err != nil {
		return err
	}
	env, err := protocol.Decode(ackRaw)
	if err != nil {
		return err
	}
	if env.Type != protocol.EventRegistered {
		return fmt.Errorf("expected %s, got %s", protocol.EventRegistered, env.Type)
	}

	var ack protocol.Registered
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		return err
	}
	if ack.DeviceID == "" {
		return errors.New("registration ack without device_id")
	}

	if a.cfg.DeviceID != ack.DeviceID {
		a.cfg.DeviceID = ack.DeviceID
		if err := a.cfg.Save(); err != nil {
			a.logger.Error().Err(err).Msg("persist assigned device_id")
		}
	}

	// A fresh session always starts idle; a recording that straddled the
	// reconnect was already failed server-side.
	a.mu.Lock()
	a.status = protocol.StatusIdle
	a.currentRecording = ""
	a.mu.Unlock()
	return nil
}

func (a *Agent) sendHeartbeat(sess *session) {
	a.mu.Lock()
	hb := protocol.Heartbeat{
		DeviceID:         a.cfg.DeviceID,
		Status:           a.status,
		CurrentRecording: a.currentRecording,
		Timestamp:        time.Now().UTC(),
	}
	a.mu.Unlock()

	if err := sess.send(protocol.EventHeartbeat, hb); err != nil {
		a.logger.Warn().Err(err).Msg("queue heartbeat")
	}
}

func (a *Agent) handleCommand(ctx context.Context, sess *session, env *protocol.Envelope) {
	switch env.Type {
	case protocol.EventRecord:
		var cmd protocol.Record
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			a.logger.Warn().Err(err).Msg("malformed record command")
			return
		}
		a.startRecording(ctx, sess, cmd)

	case protocol.EventStop:
		var cmd protocol.Stop
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			a.logger.Warn().Err(err).Msg("malformed stop command")
			return
		}
		a.stopRecording(cmd.RecordingUUID)

	case protocol.EventQueryAudioDevices:
		var cmd protocol.QueryAudioDevices
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return
		}
		devices, err := a.recorder.Devices()
		if err != nil {
			a.logger.Warn().Err(err).Msg("enumerate audio devices")
			devices = nil
		}
		sess.send(protocol.EventAudioDevicesResponse, protocol.AudioDevicesResponse{
			DeviceID:  a.cfg.DeviceID,
			RequestID: cmd.RequestID,
			Devices:   devices,
		})

	case protocol.EventUpdateConfig:
		var cmd protocol.UpdateConfig
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return
		}
		if cmd.DeviceName != nil {
			a.cfg.DeviceName = *cmd.DeviceName
		}
		if cmd.AudioConfig != nil {
			a.cfg.Audio = *cmd.AudioConfig
		}
		if err := a.cfg.Save(); err != nil {
			a.logger.Error().Err(err).Msg("persist config update")
		}
		a.logger.Info().Msg("configuration updated by coordinator")

	case protocol.EventError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(env.Data, &msg); err == nil {
			a.logger.Warn().Str("error", msg.Error).Str("message", msg.Message).Msg("coordinator reported error")
		}

	default:
		a.logger.Warn().Str("type", env.Type).Msg("unknown command")
	}
}

// startRecording launches the capture in its own goroutine and reports the
// lifecycle back over the session. One capture at a time: a record command
// arriving mid-capture is failed immediately.
func (a *Agent) startRecording(ctx context.Context, sess *session, cmd protocol.Record) {
	a.mu.Lock()
	if a.status == protocol.StatusRecording {
		a.mu.Unlock()
		sess.send(protocol.EventRecordingFailed, protocol.RecordingFailed{
			DeviceID:      a.cfg.DeviceID,
			RecordingUUID: cmd.RecordingUUID,
			Error:         "device is busy with recording " + a.currentRecording,
		})
		return
	}

	captureCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.status = protocol.StatusRecording
	a.currentRecording = cmd.RecordingUUID
	a.stopCapture = cancel
	a.captureDone = done
	a.mu.Unlock()

	sess.send(protocol.EventRecordingStarted, protocol.RecordingStarted{
		DeviceID:      a.cfg.DeviceID,
		RecordingUUID: cmd.RecordingUUID,
	})

	go func() {
		defer close(done)
		defer cancel()

		result, err := a.recorder.Record(captureCtx, capture.Request{
			RecordingUUID: cmd.RecordingUUID,
			Dir:           a.cfg.RecordingsDir,
			Duration:      cmd.Duration,
			Channels:      cmd.Channels,
			SampleRate:    cmd.SampleRate,
			DeviceIndex:   cmd.DeviceIndex,
			BitDepth:      cmd.BitDepth,
			OnProgress: func(percent int) {
				// Every 5% keeps the coordinator's view fresh without
				// flooding the link.
				if percent%5 == 0 || percent == 100 {
					sess.send(protocol.EventRecordingProgress, protocol.RecordingProgress{
						DeviceID:        a.cfg.DeviceID,
						RecordingUUID:   cmd.RecordingUUID,
						ProgressPercent: percent,
					})
				}
			},
		})

		a.mu.Lock()
		a.status = protocol.StatusIdle
		a.currentRecording = ""
		a.stopCapture = nil
		a.captureDone = nil
		a.mu.Unlock()

		if err != nil {
			sess.send(protocol.EventRecordingFailed, protocol.RecordingFailed{
				DeviceID:      a.cfg.DeviceID,
				RecordingUUID: cmd.RecordingUUID,
				Error:         err.Error(),
			})
			return
		}

		a.archiveRecording(ctx, result)
		a.cleaner.Prune()

		sess.send(protocol.EventRecordingCompleted, protocol.RecordingCompleted{
			DeviceID:       a.cfg.DeviceID,
			RecordingUUID:  cmd.RecordingUUID,
			Filename:       result.Filename,
			FileSize:       result.FileSize,
			FileHash:       result.SHA256,
			ActualDuration: result.ActualDuration,
		})
	}()
}

func (a *Agent) stopRecording(recordingUUID string) {
	a.mu.Lock()
	cancel := a.stopCapture
	current := a.currentRecording
	a.mu.Unlock()

	if cancel == nil || (recordingUUID != "" && recordingUUID != current) {
		a.logger.Warn().Str("recording_uuid", recordingUUID).Msg("stop for unknown recording")
		return
	}
	a.logger.Info().Str("recording_uuid", current).Msg("stopping capture early")
	cancel()
}

// archiveRecording uploads a finished capture to the configured object
// store. Upload failure is logged, not fatal: the local file remains and
// the coordinator already has the result metadata.
func (a *Agent) archiveRecording(ctx context.Context, result *capture.Result) {
	if a.archive == nil {
		return
	}

	file, err := os.Open(result.Path)
	if err != nil {
		a.logger.Error().Err(err).Str("path", result.Path).Msg("open recording for archive")
		return
	}
	defer file.Close()

	key := filepath.ToSlash(filepath.Join(a.cfg.DeviceID, result.Filename))
	uploadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := a.archive.Put(uploadCtx, key, file, result.FileSize); err != nil {
		a.logger.Error().Err(err).Str("key", key).Msg("archive recording")
		return
	}
	a.logger.Info().Str("key", key).Msg("recording archived")
}
