// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/absmach/fluxamqp/pkg/tls/verifier/ocsp"
)

var (
	errLoadCerts    = errors.New("failed to load certificates")
	errLoadServerCA = errors.New("failed to load Server CA")
	errLoadClientCA = errors.New("failed to load Client CA")
	errAppendCA     = errors.New("failed to append root ca tls.Config")
	errMissingKey   = errors.New("cert_file and key_file must be set together")
)

// Config holds certificate locations for amqps listeners and dialers.
type Config struct {
	CertFile           string      `yaml:"cert_file"`
	KeyFile            string      `yaml:"key_file"`
	ServerCAFile       string      `yaml:"server_ca_file"`
	ClientCAFile       string      `yaml:"ca_file"`
	ServerName         string      `yaml:"server_name"`
	InsecureSkipVerify bool        `yaml:"insecure_skip_verify"`
	OCSP               ocsp.Config `yaml:"ocsp"`
}

// Verifier checks a peer certificate chain after the standard validation.
type Verifier interface {
	VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// LoadServerConfig returns the listener TLS configuration. It returns nil
// when no server certificate is configured.
func LoadServerConfig(c *Config) (*tls.Config, error) {
	if c.CertFile == "" && c.KeyFile == "" {
		return nil, nil
	}

	config := baseConfig()
	if err := loadKeyPair(c, config); err != nil {
		return nil, err
	}

	clientCA, err := loadCertFile(c.ClientCAFile)
	if err != nil {
		return nil, errors.Join(errLoadClientCA, err)
	}
	if len(clientCA) > 0 {
		config.ClientCAs = x509.NewCertPool()
		if !config.ClientCAs.AppendCertsFromPEM(clientCA) {
			return nil, errAppendCA
		}
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if c.OCSP.Enabled() {
		config.VerifyPeerCertificate = NewValidator([]Verifier{ocsp.New(c.OCSP)})
	}
	return config, nil
}

// LoadClientConfig returns the dialer TLS configuration. A client
// certificate is presented when configured, which is what SASL EXTERNAL
// relies on. It returns nil when nothing is configured.
func LoadClientConfig(c *Config) (*tls.Config, error) {
	if *c == (Config{}) {
		return nil, nil
	}

	config := baseConfig()
	config.ServerName = c.ServerName
	config.InsecureSkipVerify = c.InsecureSkipVerify

	if c.CertFile != "" || c.KeyFile != "" {
		if err := loadKeyPair(c, config); err != nil {
			return nil, err
		}
	}

	rootCA, err := loadCertFile(c.ServerCAFile)
	if err != nil {
		return nil, errors.Join(errLoadServerCA, err)
	}
	if len(rootCA) > 0 {
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	if c.OCSP.Enabled() {
		config.VerifyPeerCertificate = NewValidator([]Verifier{ocsp.New(c.OCSP)})
	}
	return config, nil
}

// NewValidator chains verifiers into a tls.Config VerifyPeerCertificate hook.
func NewValidator(verifiers []Verifier) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		for _, v := range verifiers {
			if err := v.VerifyPeerCertificate(rawCerts, verifiedChains); err != nil {
				return err
			}
		}
		return nil
	}
}

// SecurityStatus returns log message from TLS config.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	// It is possible to establish TLS with client certificates only.
	if len(c.Certificates) == 0 {
		ret = "no server certificates"
	}
	if c.ClientCAs != nil {
		ret += " and " + c.ClientAuth.String()
	}
	return ret
}

func baseConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
	}
}

func loadKeyPair(c *Config, config *tls.Config) error {
	if c.CertFile == "" || c.KeyFile == "" {
		return errMissingKey
	}
	certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return errors.Join(errLoadCerts, err)
	}
	config.Certificates = []tls.Certificate{certificate}
	return nil
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
