// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/pkg/tls/verifier/ocsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed certificate and its key to dir.
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadServerConfig(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())

	cases := []struct {
		desc       string
		config     Config
		nilConfig  bool
		clientAuth tls.ClientAuthType
		ocsp       bool
		err        error
	}{
		{
			desc:      "no certificate",
			nilConfig: true,
		},
		{
			desc:       "certificate only",
			config:     Config{CertFile: certFile, KeyFile: keyFile},
			clientAuth: tls.NoClientCert,
		},
		{
			desc:       "client CA requires client certificates",
			config:     Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: certFile},
			clientAuth: tls.RequireAndVerifyClientCert,
		},
		{
			desc:       "OCSP verification",
			config:     Config{CertFile: certFile, KeyFile: keyFile, OCSP: ocsp.Config{ResponderURL: "http://localhost"}},
			clientAuth: tls.NoClientCert,
			ocsp:       true,
		},
		{
			desc:   "key without certificate",
			config: Config{KeyFile: keyFile},
			err:    errMissingKey,
		},
		{
			desc:   "missing certificate file",
			config: Config{CertFile: filepath.Join(t.TempDir(), "missing.pem"), KeyFile: keyFile},
			err:    errLoadCerts,
		},
		{
			desc:   "client CA is not PEM",
			config: Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: keyFile},
			err:    errAppendCA,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg, err := LoadServerConfig(&tc.config)
			if tc.err != nil {
				assert.True(t, errors.Is(err, tc.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			if tc.nilConfig {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			assert.Len(t, cfg.Certificates, 1)
			assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
			assert.Equal(t, tc.clientAuth, cfg.ClientAuth)
			assert.Equal(t, tc.ocsp, cfg.VerifyPeerCertificate != nil)
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())

	cfg, err := LoadClientConfig(&Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadClientConfig(&Config{InsecureSkipVerify: true, ServerName: "node"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "node", cfg.ServerName)
	assert.Empty(t, cfg.Certificates)

	cfg, err = LoadClientConfig(&Config{CertFile: certFile, KeyFile: keyFile, ServerCAFile: certFile})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)

	_, err = LoadClientConfig(&Config{ServerCAFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.ErrorIs(t, err, errLoadServerCA)
}

func TestSecurityStatus(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())

	assert.Equal(t, "no TLS", SecurityStatus(nil))
	assert.Equal(t, "no server certificates", SecurityStatus(&tls.Config{}))

	cfg, err := LoadServerConfig(&Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: certFile})
	require.NoError(t, err)
	assert.Equal(t, "TLS and RequireAndVerifyClientCert", SecurityStatus(cfg))
}

type verifierFunc func([][]byte, [][]*x509.Certificate) error

func (f verifierFunc) VerifyPeerCertificate(raw [][]byte, chains [][]*x509.Certificate) error {
	return f(raw, chains)
}

func TestNewValidator(t *testing.T) {
	errFirst := errors.New("first")
	var calls []string
	record := func(name string, err error) Verifier {
		return verifierFunc(func([][]byte, [][]*x509.Certificate) error {
			calls = append(calls, name)
			return err
		})
	}

	assert.NoError(t, NewValidator([]Verifier{record("a", nil), record("b", nil)})(nil, nil))
	assert.Equal(t, []string{"a", "b"}, calls)

	calls = nil
	assert.ErrorIs(t, NewValidator([]Verifier{record("a", errFirst), record("b", nil)})(nil, nil), errFirst)
	assert.Equal(t, []string{"a"}, calls)
}
