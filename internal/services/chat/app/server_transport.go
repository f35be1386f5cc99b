package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/id"
	"github.com/louisbranch/chatline/internal/platform/requestctx"
	"github.com/louisbranch/chatline/internal/services/chat/identity"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"
)

// frameEnvelopeSlack is headroom above the payload limit for the frame fields.
const frameEnvelopeSlack = 1024

func newHandler(config Config, sessions *sessionManager) http.Handler {
	handlers := sessions.handlers()
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, config, sessions, handlers)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		credential := identity.CredentialFromRequest(r)
		if credential == "" {
			log.Printf("chat: websocket unauthorized: missing credential host=%q remote=%s", r.Host, r.RemoteAddr)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		caller, err := identity.Authenticate(r.Context(), sessions.services.Authenticator, credential, config.AuthTimeout)
		if err != nil {
			log.Printf("chat: websocket unauthorized host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		wsHandler.ServeHTTP(w, r.WithContext(requestctx.WithIdentity(r.Context(), caller)))
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, config Config, sessions *sessionManager, handlers map[string]frameHandler) {
	ctx := conn.Request().Context()
	caller, ok := requestctx.IdentityFromContext(ctx)
	if !ok || caller.UserID == "" {
		_ = conn.Close()
		return
	}
	connectionID, err := id.NewPrefixedID("conn_")
	if err != nil {
		log.Printf("chat: generate connection id: %v", err)
		_ = conn.Close()
		return
	}
	conn.MaxPayloadBytes = maxFramePayloadBytes + frameEnvelopeSlack

	session := newWSSession(connectionID, caller, conn, config.OutboundQueueSize)
	go writeLoop(conn, session, config.WriteTimeout)
	sessions.Register(ctx, session)
	defer sessions.Disconnect(session)

	limiter := rate.NewLimiter(rate.Limit(config.FramesPerSecond), config.FramesPerSecond)
	decodeErrors := 0
	refreshEvery := sessions.services.Presence.TTL() / 2
	lastRefresh := time.Now()

	for {
		if config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(config.IdleTimeout))
		}
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				reply(session, "", errorAck(apperrors.New(apperrors.CodeBadRequest, "payload too large")))
				continue
			}
			if !errors.Is(err, io.EOF) && !session.closed() && !isTimeout(err) {
				log.Printf("chat: websocket read failed conn=%q err=%v", connectionID, err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			decodeErrors++
			reply(session, "", protocolAck(wireCodeInvalidArgument, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				session.drain(config.WriteTimeout)
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			reply(session, frame.RequestID, protocolAck(wireCodeInvalidArgument, "payload too large"))
			continue
		}
		if !limiter.Allow() {
			reply(session, frame.RequestID, protocolAck(wireCodeExhausted, "frame rate exceeded"))
			session.drain(config.WriteTimeout)
			return
		}

		// Any traffic keeps this connection listed in presence.
		if frame.Type == frameHeartbeat {
			lastRefresh = time.Now()
		} else if time.Since(lastRefresh) >= refreshEvery {
			lastRefresh = time.Now()
			sessions.RefreshPresence(ctx, session)
		}

		handler, ok := handlers[frame.Type]
		if !ok {
			reply(session, frame.RequestID, protocolAck(wireCodeInvalidArgument, "unsupported frame type"))
			continue
		}
		result, err := handler(ctx, session, frame.Payload)
		if err != nil {
			reply(session, frame.RequestID, errorAck(err))
			continue
		}
		reply(session, frame.RequestID, result)
	}
}

// writeLoop is the only writer to conn.
func writeLoop(conn *websocket.Conn, session *wsSession, writeTimeout time.Duration) {
	for {
		select {
		case <-session.done:
			return
		case frame := <-session.outbound:
			if writeTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if _, err := conn.Write(frame); err != nil {
				if !session.closed() {
					log.Printf("chat: websocket write failed conn=%q err=%v", session.connectionID, err)
				}
				session.close()
				return
			}
		}
	}
}

func reply(session *wsSession, requestID string, ack ackPayload) {
	frame, err := json.Marshal(wsFrame{
		Type:      frameAck,
		RequestID: requestID,
		Payload:   mustJSON(ack),
	})
	if err != nil {
		log.Printf("chat: encode ack: %v", err)
		return
	}
	if !session.Enqueue(frame) {
		session.Overflow()
	}
}

// errorAck renders err for the client. Untyped errors are logged and hidden.
func errorAck(err error) ackPayload {
	domainErr, ok := apperrors.As(err)
	if !ok {
		log.Printf("chat: unexpected handler error: %v", err)
		return protocolAck(wireCodeInternal, "internal error")
	}
	return ackPayload{
		OK: false,
		Error: &wsError{
			Code:      domainErr.Code.WireCode(),
			Message:   domainErr.Message,
			Retryable: domainErr.Code.Retryable(),
			Details:   domainErr.Metadata,
		},
	}
}

func protocolAck(code string, message string) ackPayload {
	return ackPayload{OK: false, Error: &wsError{Code: code, Message: message}}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
