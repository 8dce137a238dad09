package connect

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const QuicNextProto = "remoteblock/1"

// written by the dialer when it opens the stream, so that the listener can accept it.
// A quic stream is not visible to the peer until data is sent on it.
var quicStreamHello = []byte("RBK1")

type QuicSettings struct {
	HandshakeTimeout time.Duration
	MaxIdleTimeout   time.Duration
	KeepAlivePeriod  time.Duration
	// hosts in the self signed certificate
	Hosts []string
	// skip server certificate verification when dialing. The listener uses a self signed cert.
	InsecureSkipVerify bool
}

func DefaultQuicSettings() *QuicSettings {
	return &QuicSettings{
		HandshakeTimeout:   5 * time.Second,
		MaxIdleTimeout:     60 * time.Second,
		KeepAlivePeriod:    15 * time.Second,
		Hosts:              []string{"localhost"},
		InsecureSkipVerify: true,
	}
}

func (self *QuicSettings) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: self.HandshakeTimeout,
		MaxIdleTimeout:       self.MaxIdleTimeout,
		KeepAlivePeriod:      self.KeepAlivePeriod,
	}
}

// QuicStream is one bidirectional stream on its own connection.
type QuicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (self *QuicStream) Read(p []byte) (int, error) {
	return self.stream.Read(p)
}

func (self *QuicStream) Write(p []byte) (int, error) {
	return self.stream.Write(p)
}

func (self *QuicStream) SetReadDeadline(t time.Time) error {
	return self.stream.SetReadDeadline(t)
}

func (self *QuicStream) SetWriteDeadline(t time.Time) error {
	return self.stream.SetWriteDeadline(t)
}

func (self *QuicStream) RemoteAddr() net.Addr {
	return self.conn.RemoteAddr()
}

func (self *QuicStream) Close() error {
	self.stream.Close()
	return self.conn.CloseWithError(0, "")
}

func DialQuic(ctx context.Context, addr string, settings *QuicSettings) (*QuicStream, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: settings.InsecureSkipVerify,
		NextProtos:         []string{QuicNextProto},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, settings.quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "open stream failed")
		return nil, err
	}
	if _, err := stream.Write(quicStreamHello); err != nil {
		conn.CloseWithError(1, "write failed")
		return nil, err
	}
	return &QuicStream{
		conn:   conn,
		stream: stream,
	}, nil
}

type QuicListener struct {
	listener *quic.Listener
	settings *QuicSettings
}

func ListenQuic(addr string, settings *QuicSettings) (*QuicListener, error) {
	certPemBytes, keyPemBytes, err := selfSign(settings.Hosts, "remoteblock")
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPemBytes, keyPemBytes)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QuicNextProto},
		MinVersion:   tls.VersionTLS13,
	}
	listener, err := quic.ListenAddr(addr, tlsConfig, settings.quicConfig())
	if err != nil {
		return nil, err
	}
	return &QuicListener{
		listener: listener,
		settings: settings,
	}, nil
}

// Accept returns the first stream of the next connection.
func (self *QuicListener) Accept(ctx context.Context) (*QuicStream, error) {
	for {
		conn, err := self.listener.Accept(ctx)
		if err != nil {
			return nil, err
		}
		stream, err := self.acceptStream(ctx, conn)
		if err != nil {
			// one bad peer does not end the listener
			conn.CloseWithError(1, "bad stream")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				continue
			}
		}
		return stream, nil
	}
}

func (self *QuicListener) acceptStream(ctx context.Context, conn *quic.Conn) (*QuicStream, error) {
	handshakeCtx, cancel := context.WithTimeout(ctx, self.settings.HandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(handshakeCtx)
	if err != nil {
		return nil, err
	}
	stream.SetReadDeadline(time.Now().Add(self.settings.HandshakeTimeout))
	hello := make([]byte, len(quicStreamHello))
	if _, err := io.ReadFull(stream, hello); err != nil {
		return nil, err
	}
	if !bytes.Equal(hello, quicStreamHello) {
		return nil, fmt.Errorf("Bad stream hello.")
	}
	stream.SetReadDeadline(time.Time{})
	return &QuicStream{
		conn:   conn,
		stream: stream,
	}, nil
}

func (self *QuicListener) Addr() net.Addr {
	return self.listener.Addr()
}

func (self *QuicListener) Close() error {
	return self.listener.Close()
}

func selfSign(hosts []string, organization string) (certPemBytes []byte, keyPemBytes []byte, returnErr error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		returnErr = err
		return
	}

	notBefore := time.Now().Add(-time.Hour)
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		returnErr = err
		return
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{organization},
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		returnErr = err
		return
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		returnErr = err
		return
	}

	certPemBytes = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPemBytes = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	return
}
