package signaling

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/metrics"
)

const (
	wsWriteWait = 1 * time.Second
	wsOfferWait = 30 * time.Second
)

// handleWebSocket accepts exactly one offer message, replies with an answer
// or an error message and closes the connection.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: h.originAllowed}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(h.cfg.MaxOfferBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsOfferWait))

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		switch {
		case errors.Is(err, websocket.ErrReadLimit):
			writeClose(conn, websocket.CloseMessageTooBig, "message too large")
		case isTimeout(err):
			writeClose(conn, websocket.ClosePolicyViolation, "offer timeout")
		}
		h.log.Debug("websocket read failed", "err", err)
		return
	}
	if msgType != websocket.TextMessage {
		writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
		return
	}

	if !h.allow(r) {
		h.wsReject(conn, "rate_limited", errRateLimited, metrics.OfferRejected)
		return
	}

	offer, err := parseSignalMessage(data)
	if err != nil {
		h.wsReject(conn, "bad_offer", err, metrics.OfferRejected)
		return
	}

	id, answer, err := h.negotiate(offer)
	if err != nil {
		status, code := negotiationStatus(err)
		result := metrics.OfferRejected
		if status >= http.StatusInternalServerError {
			result = metrics.OfferFailed
		}
		h.wsReject(conn, code, err, result)
		return
	}

	h.cfg.Metrics.Offer(transportWebSocket, metrics.OfferAccepted)
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(signalMessage{Type: messageTypeAnswer, SDP: &answer, SessionID: id}); err != nil {
		// The session is already running; the peer will never connect and
		// the session ends on its own.
		h.log.Warn("websocket answer write failed", "session_id", id, "err", err)
		return
	}
	writeClose(conn, websocket.CloseNormalClosure, "")
}

func (h *Handler) wsReject(conn *websocket.Conn, code string, err error, result string) {
	if result == metrics.OfferFailed {
		h.log.Error("offer failed", "transport", transportWebSocket, "code", code, "err", err)
	} else {
		h.log.Debug("offer rejected", "transport", transportWebSocket, "code", code, "err", err)
	}
	h.cfg.Metrics.Offer(transportWebSocket, result)

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteJSON(signalMessage{Type: messageTypeError, Code: code, Message: err.Error()})
	writeClose(conn, websocket.CloseNormalClosure, "")
}

func writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
