package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrKindString(t *testing.T) {
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "io", KindIO.String())
	assert.Equal(t, "tls_handshake", KindTLSHandshake.String())
	assert.Equal(t, "http", KindHTTP.String())
	assert.Equal(t, "truncated", KindTruncated.String())
	assert.Equal(t, "protocol", KindProtocol.String())
	assert.Equal(t, "unknown", ErrKind(99).String())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial failed")
	err := newErr(KindIO, cause)

	assert.Same(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestErrorMessageIncludesHTTPStatus(t *testing.T) {
	err := &Error{Kind: KindHTTP, Status: 503, Err: errors.New("unavailable")}
	assert.Contains(t, err.Error(), "503")
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := newErr(KindTruncated, nil)
	assert.Contains(t, err.Error(), "truncated")
}
