// Package truststore adds platform-supplied certificate authorities to the
// trust used for outbound TLS.
//
// Certificates arrive as base64 encoded PEM in TRUSTSTORE_* environment
// variables, one or more certificates per variable.
package truststore

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
)

const prefix = "TRUSTSTORE_"

// Scan returns the decoded value of every TRUSTSTORE_* variable in environ,
// which has the form returned by os.Environ. Empty and undecodable values are
// logged and skipped.
func Scan(environ []string) map[string][]byte {
	certs := make(map[string][]byte)

	for _, kv := range environ {
		name, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(name, prefix) {
			continue
		}

		if strings.TrimSpace(value) == "" {
			log.Warn().Str("variable", name).Msg("truststore: certificate variable is empty, skipping")
			continue
		}

		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			log.Error().Err(err).Str("variable", name).Msg("truststore: certificate is not valid base64, skipping")
			continue
		}

		certs[name] = data
		log.Info().Str("variable", name).Int("size", len(data)).Msg("truststore: found certificate")
	}

	log.Info().Int("count", len(certs)).Msg("truststore: custom certificate scan complete")

	return certs
}

// Pool returns the system certificate pool with every parseable certificate
// in certs added. Certificates that cannot be parsed are logged and skipped.
// An empty pool is used when the system pool is unavailable.
func Pool(certs map[string][]byte) *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil {
		log.Warn().Err(err).Msg("truststore: system certificate pool unavailable, using custom certificates only")
		pool = x509.NewCertPool()
	}

	// sorted for stable log output
	names := make([]string, 0, len(certs))
	for name := range certs {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		parsed := parse(name, certs[name])
		for _, cert := range parsed {
			pool.AddCert(cert)
		}

		if len(parsed) > 0 {
			log.Info().Str("variable", name).Int("certificates", len(parsed)).Msg("truststore: added custom certificate")
		}
	}

	return pool
}

// parse reads all PEM certificate blocks from data, falling back to a
// single DER certificate when data holds no PEM.
func parse(name string, data []byte) []*x509.Certificate {
	var certs []*x509.Certificate
	var sawPEM bool

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		sawPEM = true

		if block.Type != "CERTIFICATE" {
			log.Warn().Str("variable", name).Str("type", block.Type).Msg("truststore: ignoring non-certificate PEM block")
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			log.Error().Err(err).Str("variable", name).Msg("truststore: certificate could not be parsed, skipping")
			continue
		}
		certs = append(certs, cert)
	}

	if sawPEM {
		return certs
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		log.Error().Err(err).Str("variable", name).Msg("truststore: value is neither PEM nor DER, skipping")
		return nil
	}

	return []*x509.Certificate{cert}
}
