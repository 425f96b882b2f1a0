// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ocsp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

type authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newAuthority(t *testing.T) authority {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return authority{cert: cert, key: key}
}

func (a authority) issue(t *testing.T, serial int64) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "peer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// responder answers every request with the status registered for the
// requested serial number, Good by default.
func (a authority) responder(t *testing.T, statuses map[int64]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tmpl := ocsp.Response{
			Status:       statuses[req.SerialNumber.Int64()],
			SerialNumber: req.SerialNumber,
			IssuerHash:   crypto.SHA256,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		if tmpl.Status == ocsp.Revoked {
			tmpl.RevokedAt = time.Now().Add(-time.Minute)
		}
		resp, err := ocsp.CreateResponse(a.cert, a.cert, tmpl, a.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{Depth: 1}.Enabled())
	assert.True(t, Config{ResponderURL: "http://ocsp"}.Enabled())
}

func TestVerifyGood(t *testing.T) {
	ca := newAuthority(t)
	peer := ca.issue(t, 2)
	srv := ca.responder(t, nil)

	v := New(Config{ResponderURL: srv.URL})
	assert.NoError(t, v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{peer, ca.cert}}))
}

func TestVerifyRevoked(t *testing.T) {
	ca := newAuthority(t)
	peer := ca.issue(t, 3)
	srv := ca.responder(t, map[int64]int{3: ocsp.Revoked})

	v := New(Config{ResponderURL: srv.URL, Depth: 1})
	err := v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{peer, ca.cert}})
	assert.ErrorIs(t, err, ErrCertRevoked)
}

func TestVerifyDepth(t *testing.T) {
	ca := newAuthority(t)
	peer := ca.issue(t, 4)
	srv := ca.responder(t, map[int64]int{1: ocsp.Revoked})

	v := New(Config{ResponderURL: srv.URL, Depth: 1})
	assert.NoError(t, v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{peer, ca.cert}}), "the issuer is beyond the depth")

	v = New(Config{ResponderURL: srv.URL})
	assert.ErrorIs(t, v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{peer, ca.cert}}), ErrCertRevoked)
}

func TestVerifyRawCertificates(t *testing.T) {
	ca := newAuthority(t)
	peer := ca.issue(t, 5)
	srv := ca.responder(t, map[int64]int{5: ocsp.Unknown})

	v := New(Config{ResponderURL: srv.URL, Depth: 1})
	err := v.VerifyPeerCertificate([][]byte{peer.Raw, ca.cert.Raw}, nil)
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestVerifyWithoutResponder(t *testing.T) {
	ca := newAuthority(t)
	peer := ca.issue(t, 6)

	v := New(Config{Depth: 1})
	err := v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{peer, ca.cert}})
	assert.ErrorIs(t, err, errNoOCSPURL)
}

func TestVerifyNoCertificates(t *testing.T) {
	v := New(Config{Depth: 1})
	assert.ErrorIs(t, v.VerifyPeerCertificate(nil, nil), errPeerCrt)
}
