// ABOUTME: Background receive and reconnect loops owned by the connection Manager.
// ABOUTME: Both run until their context is cancelled and never give up on a dropped socket.

package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/hostlink/internal/protocol"
)

// receiveLoop reads frames from whichever socket is current.
func (m *Manager) receiveLoop(ctx context.Context) error {
	for {
		conn := m.socket()
		if conn == nil {
			if err := sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		if err := m.readSocket(ctx, conn); err != nil {
			return err
		}
	}
}

// readSocket drains conn until it fails. It returns non-nil only when ctx ends.
func (m *Manager) readSocket(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch {
			case websocket.IsCloseError(err, closeUnauthenticated):
				m.logger.Warn("core revoked the socket token", "error", err)
				m.markReauth()
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				m.logger.Warn("websocket closed", "error", err)
			default:
				m.logger.Info("websocket closed", "error", err)
			}
			m.dropSocket(conn)
			return sleep(ctx, time.Second)
		}
		conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))

		msg, verr := m.opts.Validator.Check(raw)
		if verr != nil {
			m.logger.Warn("rejected frame from core", "code", verr.Code, "error", verr)
			m.reply(protocol.TypeError, verr.RequestID, verr.Payload())
			continue
		}
		m.route(msg)
	}
}

// route handles one validated frame from Core.
func (m *Manager) route(msg *protocol.Message) {
	switch body := msg.Body.(type) {
	case protocol.CommandRequest:
		m.enqueue(Inbound{Type: msg.Type, RequestID: msg.RequestID, Request: body})
	case protocol.CommandCancel:
		m.enqueue(Inbound{Type: msg.Type, RequestID: msg.RequestID, Cancel: body})
	case protocol.CommandResult:
		if !m.pending.HandleResponse(msg.RequestID, body) {
			m.logger.Debug("result for unknown call", "request_id", msg.RequestID)
		}
	case protocol.CommandStatus:
		m.logger.Debug("call status", "request_id", msg.RequestID, "status", body.Status)
	case protocol.Ping:
		m.reply(protocol.TypePong, msg.RequestID, protocol.Pong{})
	case protocol.Pong, protocol.HeartbeatAck, protocol.AuthSuccess:
		m.logger.Debug("frame received", "type", msg.Type)
	case protocol.Error:
		m.logger.Warn("core reported error", "request_id", msg.RequestID, "code", body.Code, "message", body.Message)
	case protocol.Disconnect:
		m.logger.Info("core is closing the socket", "reason", body.Reason)
	default:
		m.reply(protocol.TypeError, msg.RequestID, protocol.Error{
			Code:    protocol.CodeUnsupportedMessage,
			Message: fmt.Sprintf("message type %q is not accepted by agents", msg.Type),
		})
	}
}

func (m *Manager) enqueue(in Inbound) {
	select {
	case m.inbound <- in:
	default:
		m.logger.Error("command queue full, rejecting", "request_id", in.RequestID)
		if in.Type == protocol.TypeCommandRequest {
			m.SendCommandResult(in.RequestID, failed("agent command queue is full"))
		}
	}
}

func (m *Manager) reply(t protocol.Type, requestID string, payload any) {
	if err := m.write(t, requestID, payload); err != nil {
		m.logger.Debug("reply not sent", "type", t, "error", err)
	}
}

// reconnectLoop restores the socket whenever it is missing. Failures are
// logged and retried after the short retry delay.
func (m *Manager) reconnectLoop(ctx context.Context) error {
	for {
		wait := m.opts.ReconnectInterval
		if !m.HasSocket() {
			m.logger.Info("reconnecting to core", "agent_id", m.AgentID())
			if err := m.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("reconnect failed", "error", err, "retry_in", m.opts.RetryDelay)
				wait = m.opts.RetryDelay
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.lost:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// reconnect re-registers when Core refused the token, then redials.
func (m *Manager) reconnect(ctx context.Context) error {
	if m.needsReauth() {
		if err := m.register(ctx); err != nil {
			return &ConnectionError{Op: "register", Err: err}
		}
	}
	return m.dial(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
