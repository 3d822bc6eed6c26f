package transport

import "crypto/tls"

// newTLSConfig builds the DoT client TLS configuration. Certificate
// verification uses the system trust store unless the upstream descriptor
// opted out via InsecureSkipVerify.
func newTLSConfig(sni string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         sni,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify,
	}
}
