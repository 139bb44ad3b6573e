package sessionloop

import "github.com/pion/stun/v3"

// Classify names the protocol carried by a WebRTC datagram using the first
// byte ranges of RFC 7983.
func Classify(b []byte) string {
	if len(b) == 0 {
		return "other"
	}
	switch c := b[0]; {
	case stun.IsMessage(b):
		return "stun"
	case c >= 20 && c <= 63:
		return "dtls"
	case c >= 128 && c <= 191:
		return "rtp"
	default:
		return "other"
	}
}
