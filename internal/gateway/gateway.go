/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package gateway terminates edge device WebSocket sessions. One goroutine
// reads frames, the main loop multiplexes outbound commands and pings; a
// dead transport demotes the device immediately instead of waiting for the
// liveness sweep.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/capfleet/capfleet/internal/dispatch"
	"github.com/capfleet/capfleet/internal/models"
	"github.com/capfleet/capfleet/internal/protocol"
	"github.com/capfleet/capfleet/internal/registry"
	"github.com/capfleet/capfleet/internal/telemetry"
)

// registerTimeout bounds how long a fresh connection may idle before its
// first frame; anything but a prompt edge.register is rejected.
const registerTimeout = 10 * time.Second

// outboundDepth is the per-session command queue. A session that cannot
// drain this many frames is effectively dead and gets torn down.
const outboundDepth = 32

var errSessionClosed = errors.New("session closed")

// Gateway accepts and runs edge device sessions.
type Gateway struct {
	registry     *registry.Registry
	dispatcher   *dispatch.Dispatcher
	pingInterval time.Duration
	pongTimeout  time.Duration
	logger       zerolog.Logger
}

// New creates a gateway.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, pingInterval, pongTimeout time.Duration, logger zerolog.Logger) *Gateway {
	return &Gateway{
		registry:     reg,
		dispatcher:   disp,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		logger:       logger.With().Str("component", "gateway").Logger(),
	}
}

// edgeSession is one live device connection. Send is safe from any
// goroutine; frames queue on outbound and the session's main loop writes
// them in order.
type edgeSession struct {
	conn     *ws.Conn
	outbound chan []byte
	closed   chan struct{}
}

// Send implements registry.Sender.
func (s *edgeSession) Send(eventType string, data any) error {
	raw, err := protocol.Encode(eventType, data)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return errSessionClosed
	case s.outbound <- raw:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

// HandleEdge runs one device session from accept to teardown.
func (g *Gateway) HandleEdge(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.EdgeConnections.Inc()
	defer telemetry.EdgeConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := &edgeSession{
		conn:     conn,
		outbound: make(chan []byte, outboundDepth),
		closed:   make(chan struct{}),
	}
	defer close(session.closed)

	deviceID, err := g.register(ctx, conn, session, r.RemoteAddr)
	if err != nil {
		g.logger.Warn().Err(err).Str("peer", r.RemoteAddr).Msg("registration failed")
		conn.Close(ws.StatusPolicyViolation, "registration required")
		return
	}

	logger := g.logger.With().Str("device_id", deviceID).Logger()
	logger.Info().Str("peer", r.RemoteAddr).Msg("edge session established")

	// Any exit path below means the transport is gone; the device goes
	// offline now, not at the next sweep.
	defer func() {
		if g.registry.MarkOffline(deviceID, models.OfflineConnectionLost) {
			g.registry.PublishStats()
		}
	}()

	inbound := make(chan *protocol.Envelope, 16)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				if ws.CloseStatus(err) == ws.StatusNormalClosure {
					return
				}
				logger.Debug().Err(err).Msg("websocket read ended")
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				telemetry.ProtocolErrorsTotal.Inc()
				logger.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			select {
			case inbound <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(g.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "server shutting down")
			return

		case <-readDone:
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-pingTicker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, g.pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Debug().Err(err).Msg("ping failed, tearing down session")
				conn.Close(ws.StatusGoingAway, "ping timeout")
				return
			}

		case raw := <-session.outbound:
			if err := conn.Write(ctx, ws.MessageText, raw); err != nil {
				logger.Debug().Err(err).Msg("write failed, tearing down session")
				return
			}

		case env := <-inbound:
			g.handleFrame(deviceID, env, session, logger)
		}
	}
}

// register runs the registration handshake: the first frame must be
// edge.register, answered with edge.registered.
func (g *Gateway) register(ctx context.Context, conn *ws.Conn, session *edgeSession, peerAddr string) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	_, raw, err := conn.Read(readCtx)
	if err != nil {
		return "", err
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		telemetry.ProtocolErrorsTotal.Inc()
		return "", err
	}
	if env.Type != protocol.EventRegister {
		telemetry.ProtocolErrorsTotal.Inc()
		return "", errors.New("first frame must be " + protocol.EventRegister)
	}

	var req protocol.Register
	if err := json.Unmarshal(env.Data, &req); err != nil {
		telemetry.ProtocolErrorsTotal.Inc()
		return "", err
	}

	result, err := g.registry.Register(req, session, peerAddr)
	if err != nil {
		return "", err
	}

	ack, err := protocol.Encode(protocol.EventRegistered, protocol.Registered{
		DeviceID: result.DeviceID,
		IsNew:    result.IsNew,
	})
	if err != nil {
		return "", err
	}
	if err := conn.Write(ctx, ws.MessageText, ack); err != nil {
		return "", err
	}

	// The previous session died mid-capture; close that recording out
	// before the device starts fresh.
	if result.DanglingRecording != "" {
		g.dispatcher.Abort(result.DeviceID, result.DanglingRecording, "connection lost during recording")
	}
	g.registry.PublishStats()
	return result.DeviceID, nil
}

func (g *Gateway) handleFrame(deviceID string, env *protocol.Envelope, session *edgeSession, logger zerolog.Logger) {
	switch env.Type {
	case protocol.EventHeartbeat:
		var hb protocol.Heartbeat
		if err := json.Unmarshal(env.Data, &hb); err != nil {
			g.protocolError(logger, env.Type, err)
			return
		}
		// The session, not the payload, authenticates the device.
		hb.DeviceID = deviceID
		if err := g.registry.Heartbeat(hb); err != nil {
			logger.Debug().Err(err).Msg("heartbeat rejected")
		}

	case protocol.EventRecordingStarted:
		var msg protocol.RecordingStarted
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			g.protocolError(logger, env.Type, err)
			return
		}
		msg.DeviceID = deviceID
		g.dispatcher.HandleStarted(msg)

	case protocol.EventRecordingProgress:
		var msg protocol.RecordingProgress
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			g.protocolError(logger, env.Type, err)
			return
		}
		msg.DeviceID = deviceID
		g.dispatcher.HandleProgress(msg)

	case protocol.EventRecordingCompleted:
		var msg protocol.RecordingCompleted
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			g.protocolError(logger, env.Type, err)
			return
		}
		msg.DeviceID = deviceID
		g.dispatcher.HandleCompleted(msg)

	case protocol.EventRecordingFailed:
		var msg protocol.RecordingFailed
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			g.protocolError(logger, env.Type, err)
			return
		}
		msg.DeviceID = deviceID
		g.dispatcher.HandleFailed(msg)

	case protocol.EventAudioDevicesResponse:
		var msg protocol.AudioDevicesResponse
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			g.protocolError(logger, env.Type, err)
			return
		}
		if err := g.registry.UpdateAudioDevices(deviceID, msg.Devices); err != nil {
			logger.Warn().Err(err).Msg("store audio devices")
		}

	case protocol.EventRegister:
		// Duplicate registration on a live session is a protocol error but
		// not fatal; the device keeps its identity.
		telemetry.ProtocolErrorsTotal.Inc()
		session.Send(protocol.EventError, protocol.ErrorMessage{
			Error:   "already_registered",
			Message: "session is already registered",
		})

	default:
		telemetry.ProtocolErrorsTotal.Inc()
		logger.Warn().Str("type", env.Type).Msg("unknown frame type")
	}
}

func (g *Gateway) protocolError(logger zerolog.Logger, frameType string, err error) {
	telemetry.ProtocolErrorsTotal.Inc()
	logger.Warn().Err(err).Str("type", frameType).Msg("malformed frame payload")
}
