package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qcore/quic"
	"github.com/qcore/quic/transport"
)

func serverCommand(args []string) error {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)
	certFile := cmd.String("cert", "", "TLS certificate file (PEM); a self-signed cert is generated if empty")
	keyFile := cmd.String("key", "", "TLS private key file (PEM)")
	retry := cmd.Bool("retry", false, "set Config.Retry (the server issues no Retry packets)")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	cmd.Parse(args)

	addr := cmd.Arg(0)
	if addr == "" {
		fmt.Fprintln(cmd.Output(), "Usage: quince server [options] <listen-address>")
		cmd.PrintDefaults()
		return nil
	}

	config := newConfig()
	config.Retry = *retry
	cert, err := loadOrGenerateCertificate(*certFile, *keyFile)
	if err != nil {
		return err
	}
	config.TLS.Certificates = []tls.Certificate{cert}

	server := quic.NewServer(config)
	server.SetHandler(&echoHandler{})
	server.SetLogger(*logLevel, os.Stdout)
	if err := server.ListenAndServe(addr); err != nil {
		return err
	}
	logrus.Infof("listening on %s", addr)
	select {}
}

// echoHandler writes back, reversed, whatever bytes each stream
// delivers and closes the stream on FIN.
type echoHandler struct{}

func (h *echoHandler) Serve(c quic.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case quic.EventConnAccept:
			logrus.Infof("%s accepted", c.RemoteAddr())
		case transport.EventStreamDataReceived:
			st := c.Stream(e.StreamID)
			if st == nil {
				continue
			}
			buf := make([]byte, 64*1024)
			n, err := st.Read(buf)
			if n > 0 {
				reverse(buf[:n])
				st.Write(buf[:n])
			}
			if err != nil {
				st.Close()
			}
		case quic.EventConnClose:
			logrus.Infof("%s closed", c.RemoteAddr())
		}
	}
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// loadOrGenerateCertificate reads a cert/key pair from disk, or mints a
// throwaway self-signed ECDSA certificate for local testing when
// either is not given.
func loadOrGenerateCertificate(certFile, keyFile string) (tls.Certificate, error) {
	if certFile != "" && keyFile != "" {
		return tls.LoadX509KeyPair(certFile, keyFile)
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "quince"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
