package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ServeWS runs one connection from handshake to teardown on the calling goroutine.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.handshakeLimiter.Allow(ip) {
		s.metrics.IncHandshakeDenied()
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	token := bearerToken(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_ip", ip).Msg("upgrade failed")
		return
	}

	client := newClient(conn, s.opts.SendBuffer, s.logger)
	client.eventBurst = s.opts.EventBurst
	client.eventWindow = s.opts.EventWindow

	ctx := r.Context()
	identity, err := s.authenticate(ctx, client, token)
	if err != nil {
		s.rejectConnection(client, err)
		return
	}
	client.identity = identity
	client.logger = client.logger.With().Str("user_id", identity.UserID).Logger()
	client.setState(StateAuthenticated)

	first, err := s.hub.Admit(client)
	if err != nil {
		client.setState(StateClosed)
		_ = conn.Close()
		return
	}
	client.logger.Info().Bool("first", first).Str("remote_ip", ip).Msg("connection active")

	go client.writePump()
	defer s.teardown(client)
	client.readPump(ctx, s.router)
}

// teardown is safe to repeat; the hub ignores ids it no longer holds.
func (s *Server) teardown(client *Client) {
	offline, err := s.hub.Teardown(client.id)
	if err != nil && !errors.Is(err, ErrHubClosed) {
		client.logger.Error().Err(err).Msg("teardown failed")
		return
	}
	client.logger.Info().Bool("offline", offline).Msg("connection closed")
}

// authenticate resolves the identity from the handshake token or, failing
// that, from an authenticate frame that must arrive within AuthTimeout.
func (s *Server) authenticate(ctx context.Context, client *Client, token string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.AuthTimeout)
	defer cancel()
	if token == "" {
		var err error
		token, err = readAuthFrame(client.conn, time.Now().Add(s.opts.AuthTimeout))
		if err != nil {
			return Identity{}, err
		}
	}
	return s.auth.Authenticate(ctx, token)
}

func readAuthFrame(conn *websocket.Conn, deadline time.Time) (string, error) {
	conn.SetReadLimit(maxMsgSize)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("waiting for authenticate: %w", context.DeadlineExceeded)
		}
		return "", fmt.Errorf("waiting for authenticate: %w", err)
	}
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Event != EventAuthenticate {
		return "", ErrMissingToken
	}
	var req authenticateRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return req.Token, nil
}

// rejectConnection reports the failure and closes the socket without
// touching the hub.
func (s *Server) rejectConnection(client *Client, err error) {
	s.metrics.IncAuthFailure()
	client.setState(StateClosed)
	message := authErrorMessage(err)
	client.logger.Info().Err(err).Msg("authentication failed")

	deadline := time.Now().Add(writeWait)
	if frame, encodeErr := encodeFrame(EventAuthError, errorEvent{Message: message}); encodeErr == nil {
		_ = client.conn.SetWriteDeadline(deadline)
		_ = client.conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), deadline)
	_ = client.conn.Close()
}
