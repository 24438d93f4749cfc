// Package tlsutil builds the HTTP clients used to talk to hypervisor and
// backup-server APIs. Upstreams are polled on short intervals, so the
// transport caches DNS lookups and reuses connections aggressively.
package tlsutil

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NewHTTPClient returns a client configured for polling one upstream.
// When verify is false certificate checks are skipped entirely; when a
// fingerprint is given the server certificate is pinned to it instead of
// being chain-verified (self-signed certs are the norm on these hosts).
func NewHTTPClient(verify bool, fingerprint string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialContextWithCache,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	switch {
	case fingerprint != "":
		transport.TLSClientConfig = pinnedConfig(fingerprint)
	case !verify:
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// pinnedConfig verifies the leaf certificate against a SHA256 fingerprint
// instead of the system trust store.
func pinnedConfig(fingerprint string) *tls.Config {
	expected := strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))

	return &tls.Config{
		InsecureSkipVerify: true, // verification happens below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("server presented no certificates")
			}
			sum := sha256.Sum256(rawCerts[0])
			actual := hex.EncodeToString(sum[:])
			if actual != expected {
				return fmt.Errorf("certificate fingerprint mismatch: expected %s, got %s", expected, actual)
			}
			return nil
		},
	}
}
