package webrtcpeer

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/engine"
)

// onDataChannel surfaces the lifecycle of channels the remote peer opens.
// Messages are only logged; nothing is sent back.
func (s *Session) onDataChannel(dc *webrtc.DataChannel) {
	label := dc.Label()
	log := s.log.With("label", label)

	dc.OnOpen(func() {
		log.Debug("datachannel open", "ordered", dc.Ordered(), "protocol", dc.Protocol())
		s.push(engine.Event{Kind: engine.EventDataChannelOpen, Label: label})
	})
	dc.OnClose(func() {
		log.Debug("datachannel closed")
		s.push(engine.Event{Kind: engine.EventDataChannelClose, Label: label})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		log.Debug("datachannel message", "bytes", len(msg.Data), "string", msg.IsString)
	})
}
