// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ocsp checks peer certificates against an OCSP responder.
package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/ocsp"
)

// DefaultTimeout bounds a single responder round trip.
const DefaultTimeout = 10 * time.Second

var (
	errParseIssuerCrt       = errors.New("failed to parse issuer certificate")
	errCreateOCSPReq        = errors.New("failed to create OCSP Request")
	errCreateOCSPHTTPReq    = errors.New("failed to create OCSP HTTP Request")
	errParseOCSPUrl         = errors.New("failed to parse OCSP server URL")
	errOCSPReq              = errors.New("OCSP request failed")
	errOCSPReadResp         = errors.New("failed to read OCSP response")
	errParseOCSPRespForCert = errors.New("failed to parse OCSP Response for Certificate")
	errIssuerCert           = errors.New("neither the issuer certificate is present in the chain nor is the issuer certificate URL present in AIA")
	errNoOCSPURL            = errors.New("neither OCSP responder URL configured nor present in certificate AIA")
	errRetrieveIssuerCrt    = errors.New("failed to retrieve issuer certificate")
	errIssuerCrtPEM         = errors.New("failed to decode issuer certificate PEM")
	errParseCert            = errors.New("failed to parse Certificate")
	errPeerCrt              = errors.New("peer certificate not received")

	// ErrCertRevoked is returned for a certificate the responder reports revoked.
	ErrCertRevoked = errors.New("certificate revoked")
	// ErrServerFailed is returned when the responder cannot answer.
	ErrServerFailed = errors.New("OCSP Server Failed")
	// ErrUnknown is returned when the responder does not know the certificate.
	ErrUnknown = errors.New("OCSP status unknown")
)

// Config holds OCSP settings. Depth limits how many certificates of a
// chain are checked, starting at the peer's own; 0 checks the whole chain.
type Config struct {
	Depth        uint          `yaml:"depth"`
	ResponderURL string        `yaml:"responder_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Enabled reports whether OCSP checking is configured.
func (c Config) Enabled() bool {
	return c.Depth > 0 || c.ResponderURL != ""
}

// Verifier queries an OCSP responder for each certificate of a peer chain.
type Verifier struct {
	config Config
	client *http.Client
}

// New creates a verifier.
func New(cfg Config) *Verifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Verifier{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// VerifyPeerCertificate matches the tls.Config hook of the same name.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	ctx, cancel := context.WithTimeout(context.Background(), v.config.Timeout)
	defer cancel()

	if len(verifiedChains) > 0 {
		for _, chain := range verifiedChains {
			for i, cert := range chain {
				if v.beyondDepth(i) {
					break
				}
				issuer := cert
				if i+1 < len(chain) {
					issuer = chain[i+1]
				}
				if err := v.check(ctx, cert, issuer); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if len(rawCerts) == 0 {
		return errPeerCrt
	}
	certs, err := parseCertificates(rawCerts)
	if err != nil {
		return err
	}
	for i, cert := range certs {
		if v.beyondDepth(i) {
			break
		}
		if err := v.check(ctx, cert, findIssuer(cert.Issuer, certs)); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) beyondDepth(i int) bool {
	return v.config.Depth > 0 && uint(i) >= v.config.Depth
}

func (v *Verifier) check(ctx context.Context, cert, issuer *x509.Certificate) error {
	switch {
	case isRootCA(cert):
		issuer = cert
	case issuer == nil:
		if len(cert.IssuingCertificateURL) == 0 {
			return fmt.Errorf("%w common name %s and serial number %x", errIssuerCert, cert.Subject.CommonName, cert.SerialNumber)
		}
		var err error
		if issuer, err = v.fetchIssuer(ctx, cert.IssuingCertificateURL[0]); err != nil {
			return err
		}
	}

	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return errors.Join(errCreateOCSPReq, err)
	}

	responder, err := v.responder(cert)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responder.String(), bytes.NewReader(req))
	if err != nil {
		return errors.Join(errCreateOCSPHTTPReq, err)
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")
	httpReq.Host = responder.Host

	body, err := v.do(httpReq)
	if err != nil {
		return err
	}
	resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return errors.Join(errParseOCSPRespForCert, err)
	}

	switch resp.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return fmt.Errorf("%w: common name %s and serial number %x revoked at %v", ErrCertRevoked, cert.Subject.CommonName, cert.SerialNumber, resp.RevokedAt)
	case ocsp.ServerFailed:
		return ErrServerFailed
	default:
		return ErrUnknown
	}
}

// responder prefers the configured URL over the certificate's AIA entry.
func (v *Verifier) responder(cert *x509.Certificate) (*url.URL, error) {
	raw := v.config.ResponderURL
	if raw == "" {
		if len(cert.OCSPServer) == 0 {
			return nil, fmt.Errorf("%w common name %s and serial number %x", errNoOCSPURL, cert.Subject.CommonName, cert.SerialNumber)
		}
		raw = cert.OCSPServer[0]
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Join(errParseOCSPUrl, err)
	}
	return u, nil
}

func (v *Verifier) fetchIssuer(ctx context.Context, issuerURL string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuerURL, nil)
	if err != nil {
		return nil, errors.Join(errRetrieveIssuerCrt, err)
	}
	body, err := v.do(req)
	if err != nil {
		return nil, errors.Join(errRetrieveIssuerCrt, err)
	}

	der := body
	if block, _ := pem.Decode(body); block != nil {
		der = block.Bytes
	} else if len(body) == 0 {
		return nil, errIssuerCrtPEM
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Join(errParseIssuerCrt, err)
	}
	return cert, nil
}

func (v *Verifier) do(req *http.Request) ([]byte, error) {
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, errors.Join(errOCSPReq, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", errOCSPReq, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(errOCSPReadResp, err)
	}
	return body, nil
}

func findIssuer(issuer pkix.Name, certs []*x509.Certificate) *x509.Certificate {
	for _, cert := range certs {
		if cert.Subject.SerialNumber != "" && issuer.SerialNumber != "" && cert.Subject.SerialNumber == issuer.SerialNumber {
			return cert
		}
		if (cert.Subject.SerialNumber == "" || issuer.SerialNumber == "") && cert.Subject.String() == issuer.String() {
			return cert
		}
	}
	return nil
}

func isRootCA(cert *x509.Certificate) bool {
	if !cert.IsCA {
		return false
	}
	if len(cert.AuthorityKeyId) > 0 && len(cert.SubjectKeyId) > 0 && bytes.Equal(cert.AuthorityKeyId, cert.SubjectKeyId) {
		return true
	}
	return cert.Issuer.String() == cert.Subject.String()
}

func parseCertificates(rawCerts [][]byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, errors.Join(errParseCert, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
