package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/engine"
)

type messageType string

const (
	messageTypeOffer  messageType = "offer"
	messageTypeAnswer messageType = "answer"
	messageTypeError  messageType = "error"
)

var (
	errEmptyBody    = errors.New("signaling: empty request body")
	errInvalidType  = errors.New("signaling: session description type must be \"offer\"")
	errMissingSDP   = errors.New("signaling: missing sdp")
	errMalformedSDP = errors.New("signaling: malformed sdp")
	errRateLimited  = errors.New("signaling: too many offers")
	errOrigin       = errors.New("signaling: origin not allowed")
)

// signalMessage is the WebSocket envelope.
type signalMessage struct {
	Type messageType                `json:"type"`
	SDP  *engine.SessionDescription `json:"sdp,omitempty"`

	SessionID string `json:"sessionId,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseOffer decodes an HTTP offer body: exactly one JSON session
// description of type "offer" whose SDP parses.
func parseOffer(body []byte) (engine.SessionDescription, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return engine.SessionDescription{}, errEmptyBody
	}

	var desc engine.SessionDescription
	if err := decodeStrictJSON(body, &desc); err != nil {
		return engine.SessionDescription{}, fmt.Errorf("signaling: invalid offer json: %w", err)
	}
	if err := validateOffer(desc); err != nil {
		return engine.SessionDescription{}, err
	}
	return desc, nil
}

// parseSignalMessage decodes a WebSocket offer message.
func parseSignalMessage(data []byte) (engine.SessionDescription, error) {
	var msg signalMessage
	if err := decodeStrictJSON(data, &msg); err != nil {
		return engine.SessionDescription{}, fmt.Errorf("signaling: invalid message json: %w", err)
	}
	if msg.Type != messageTypeOffer {
		return engine.SessionDescription{}, fmt.Errorf("signaling: unsupported message type %q", msg.Type)
	}
	if msg.SDP == nil {
		return engine.SessionDescription{}, errMissingSDP
	}
	if msg.SessionID != "" || msg.Code != "" || msg.Message != "" {
		return engine.SessionDescription{}, errors.New("signaling: offer message has unexpected fields")
	}
	if err := validateOffer(*msg.SDP); err != nil {
		return engine.SessionDescription{}, err
	}
	return *msg.SDP, nil
}

func validateOffer(desc engine.SessionDescription) error {
	if desc.Type != engine.SDPTypeOffer {
		return fmt.Errorf("%w (got %q)", errInvalidType, desc.Type)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return errMissingSDP
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return fmt.Errorf("%w: %v", errMalformedSDP, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media sections", errMalformedSDP)
	}
	return nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}
