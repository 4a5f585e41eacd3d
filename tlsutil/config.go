// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package tlsutil loads and validates the downstream TLS material configured
// on a listener's filter chains: certificate chains, private keys, trusted
// CAs, CRLs, subject-alt-name constraints and session ticket keys. Material
// may come from files or be inlined in the configuration.
package tlsutil

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_tls_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
)

// sessionTicketKeyLength is the raw key size: 16 bytes of key name, 32 of
// HMAC secret, 32 of AES key.
const sessionTicketKeyLength = 80

// ServerContext is the compiled downstream TLS material for one filter
// chain. It is immutable after construction and implements the manager's
// TransportSocketFactory contract.
type ServerContext struct {
	certificates      []tls.Certificate
	caPool            *x509.CertPool
	crl               *x509.RevocationList
	verifySANs        []string
	allowExpired      bool
	requireClientCert bool
	alpnProtocols     []string
	sessionTicketKeys [][]byte
}

// NewServerContext validates cfg and loads every piece of TLS material it
// references. All validation happens here, at listener build time; a context
// that constructs successfully can always produce a tls.Config.
func NewServerContext(cfg *envoy_tls_v3.DownstreamTlsContext) (*ServerContext, error) {
	ctx := &ServerContext{
		requireClientCert: cfg.GetRequireClientCertificate().GetValue(),
	}

	common := cfg.GetCommonTlsContext()
	ctx.alpnProtocols = common.GetAlpnProtocols()

	for _, tc := range common.GetTlsCertificates() {
		cert, err := loadCertificate(tc)
		if err != nil {
			return nil, err
		}
		ctx.certificates = append(ctx.certificates, cert)
	}

	if err := ctx.loadValidationContext(common.GetValidationContext()); err != nil {
		return nil, err
	}

	for _, ds := range cfg.GetSessionTicketKeys().GetKeys() {
		data, source, err := readDataSource(ds)
		if err != nil {
			return nil, fmt.Errorf("Failed to load session ticket key from %s", source)
		}
		if len(data) != sessionTicketKeyLength {
			return nil, fmt.Errorf("Incorrect TLS session ticket key length. Length is %d, expected length is %d.",
				len(data), sessionTicketKeyLength)
		}
		ctx.sessionTicketKeys = append(ctx.sessionTicketKeys, data)
	}

	return ctx, nil
}

// ImplementsSecureTransport marks connections through this transport as
// secure.
func (c *ServerContext) ImplementsSecureTransport() bool { return true }

// Certificates is the loaded certificate chain list, in configuration order.
func (c *ServerContext) Certificates() []tls.Certificate { return c.certificates }

// CAPool is the trusted CA pool, nil when no validation context was
// configured.
func (c *ServerContext) CAPool() *x509.CertPool { return c.caPool }

// CRL is the parsed revocation list, nil when none was configured.
func (c *ServerContext) CRL() *x509.RevocationList { return c.crl }

// VerifySubjectAltNames are the exact-match SAN constraints on peer
// certificates.
func (c *ServerContext) VerifySubjectAltNames() []string { return c.verifySANs }

// AllowExpiredCertificate reports whether the validation context set
// allow_expired_certificate. Config does not act on it: peer certificate
// validity periods are still checked.
func (c *ServerContext) AllowExpiredCertificate() bool { return c.allowExpired }

// SessionTicketKeys are the raw 80-byte ticket keys, in rotation order.
func (c *ServerContext) SessionTicketKeys() [][]byte { return c.sessionTicketKeys }

// Config materializes a tls.Config for the accept path.
func (c *ServerContext) Config() *tls.Config {
	cfg := &tls.Config{
		Certificates: c.certificates,
		NextProtos:   c.alpnProtocols,
	}
	if c.caPool != nil {
		cfg.ClientCAs = c.caPool
		if c.requireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
		cfg.VerifyPeerCertificate = c.verifyPeer
	}
	if len(c.sessionTicketKeys) > 0 {
		keys := make([][32]byte, 0, len(c.sessionTicketKeys))
		for _, raw := range c.sessionTicketKeys {
			keys = append(keys, sha256.Sum256(raw))
		}
		cfg.SetSessionTicketKeys(keys)
	}
	return cfg
}

// verifyPeer layers CRL and SAN checks on top of chain verification.
func (c *ServerContext) verifyPeer(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return nil
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parsing peer certificate: %w", err)
	}
	if c.crl != nil {
		for _, revoked := range c.crl.RevokedCertificateEntries {
			if revoked.SerialNumber.Cmp(leaf.SerialNumber) == 0 {
				return fmt.Errorf("peer certificate serial %v is revoked", leaf.SerialNumber)
			}
		}
	}
	if len(c.verifySANs) > 0 && !matchSAN(leaf, c.verifySANs) {
		return errors.New("peer certificate does not match any configured subject alt name")
	}
	return nil
}

func matchSAN(cert *x509.Certificate, sans []string) bool {
	for _, want := range sans {
		for _, dns := range cert.DNSNames {
			if dns == want {
				return true
			}
		}
		for _, uri := range cert.URIs {
			if uri.String() == want {
				return true
			}
		}
		for _, ip := range cert.IPAddresses {
			if ip.String() == want {
				return true
			}
		}
		for _, email := range cert.EmailAddresses {
			if email == want {
				return true
			}
		}
	}
	return false
}

func loadCertificate(tc *envoy_tls_v3.TlsCertificate) (tls.Certificate, error) {
	chainDS := tc.GetCertificateChain()
	keyDS := tc.GetPrivateKey()
	if (chainDS == nil) != (keyDS == nil) {
		present := chainDS
		if present == nil {
			present = keyDS
		}
		return tls.Certificate{}, fmt.Errorf("Failed to load incomplete certificate from %s", dataSourceName(present))
	}
	if chainDS == nil {
		return tls.Certificate{}, errors.New("Failed to load incomplete certificate from <empty>")
	}

	chainPEM, chainSource, err := readDataSource(chainDS)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("Failed to load certificate chain from %s", chainSource)
	}
	keyPEM, keySource, err := readDataSource(keyDS)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("Failed to load private key from %s", keySource)
	}

	if !validCertChain(chainPEM) {
		return tls.Certificate{}, fmt.Errorf("Failed to load certificate chain from %s", chainSource)
	}
	cert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		// The chain parsed on its own, so the pair failed on the key side.
		return tls.Certificate{}, fmt.Errorf("Failed to load private key from %s", keySource)
	}
	return cert, nil
}

// validCertChain reports whether data contains at least one parseable
// CERTIFICATE block and no unparseable ones.
func validCertChain(data []byte) bool {
	found := false
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return false
		}
		found = true
	}
	return found
}

func (c *ServerContext) loadValidationContext(validation *envoy_tls_v3.CertificateValidationContext) error {
	if validation == nil {
		return nil
	}

	if ca := validation.GetTrustedCa(); ca != nil {
		data, source, err := readDataSource(ca)
		if err != nil {
			return fmt.Errorf("Failed to load trusted CA certificates from %s", source)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return fmt.Errorf("Failed to load trusted CA certificates from %s", source)
		}
		c.caPool = pool
	}

	if crlDS := validation.GetCrl(); crlDS != nil {
		source := dataSourceName(crlDS)
		if c.caPool == nil {
			return fmt.Errorf("Failed to load CRL from %s without trusted CA", source)
		}
		data, source, err := readDataSource(crlDS)
		if err != nil {
			return fmt.Errorf("Failed to load CRL from %s", source)
		}
		crl, err := parseCRL(data)
		if err != nil {
			return fmt.Errorf("Failed to load CRL from %s", source)
		}
		c.crl = crl
	}

	if sans := validation.GetVerifySubjectAltName(); len(sans) > 0 {
		if c.caPool == nil {
			return errors.New("SAN-based verification of peer certificates without trusted CA is insecure and not allowed")
		}
		c.verifySANs = sans
	}

	if validation.GetAllowExpiredCertificate() {
		if c.caPool == nil {
			return errors.New("Certificate validity period is always ignored without trusted CA")
		}
		c.allowExpired = true
	}

	return nil
}

func parseCRL(data []byte) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	return x509.ParseRevocationList(data)
}

// readDataSource resolves a data source to its bytes plus the name used for
// it in error messages: the file path, or "<inline>".
func readDataSource(ds *envoy_core_v3.DataSource) ([]byte, string, error) {
	switch spec := ds.GetSpecifier().(type) {
	case *envoy_core_v3.DataSource_Filename:
		data, err := os.ReadFile(spec.Filename)
		return data, spec.Filename, err
	case *envoy_core_v3.DataSource_InlineBytes:
		return spec.InlineBytes, "<inline>", nil
	case *envoy_core_v3.DataSource_InlineString:
		return []byte(spec.InlineString), "<inline>", nil
	default:
		return nil, "<empty>", errors.New("missing data source specifier")
	}
}

func dataSourceName(ds *envoy_core_v3.DataSource) string {
	if f, ok := ds.GetSpecifier().(*envoy_core_v3.DataSource_Filename); ok {
		return f.Filename
	}
	return "<inline>"
}
