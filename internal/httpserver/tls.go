package httpserver

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/pion/dtls/v3/pkg/crypto/selfsign"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/config"
)

var ErrCertificateRequired = errors.New("httpserver: tls certificate required in prod mode")

// LoadTLSConfig loads the configured certificate pair. In dev mode with no
// files configured it generates a self-signed certificate and reports
// selfSigned=true.
func LoadTLSConfig(cfg config.Config) (tlsConfig *tls.Config, selfSigned bool, err error) {
	var cert tls.Certificate
	switch {
	case cfg.TLSCertFile != "" || cfg.TLSKeyFile != "":
		cert, err = tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, false, fmt.Errorf("load tls certificate: %w", err)
		}
	case cfg.Mode == config.ModeProd:
		return nil, false, ErrCertificateRequired
	default:
		cert, err = selfsign.GenerateSelfSignedWithDNS("localhost", "localhost")
		if err != nil {
			return nil, false, fmt.Errorf("generate self-signed certificate: %w", err)
		}
		selfSigned = true
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	}, selfSigned, nil
}
