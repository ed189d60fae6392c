package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpn            = "peer-chat"
	certValidityDur = 365 * 24 * time.Hour
)

var ErrNoPeerKey = errors.New("peer presented no ed25519 certificate")

func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// DefaultTLSConfig builds a config whose certificate is self-signed by the
// identity key. Both sides present certificates; trust is the key itself, so
// chain verification is skipped.
func DefaultTLSConfig(key ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := GenerateSelfSignedCert(key)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}, nil
}

func GenerateSelfSignedCert(key ed25519.PrivateKey) (tls.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		NotAfter:     time.Now().Add(certValidityDur),
		NotBefore:    time.Now().Add(-time.Minute),
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"peer-chat"}},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}

// PeerKey extracts the remote ed25519 public key from a completed handshake.
func PeerKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerKey
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNoPeerKey
	}
	return pub, nil
}
