package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdns/multidns/registry"
)

func TestClassifyNetErrNilIsNil(t *testing.T) {
	assert.Nil(t, classifyNetErr(nil))
}

func TestClassifyNetErrWrapsIO(t *testing.T) {
	err := classifyNetErr(errors.New("connection refused"))
	require.NotNil(t, err)
	assert.Equal(t, KindIO, err.Kind)
}

func TestStreamPoolKeyDistinguishesTLS(t *testing.T) {
	target := registry.Target{Host: "1.1.1.1", Port: 853, SNI: "cloudflare-dns.com"}
	assert.NotEqual(t, streamPoolKey(target, true), streamPoolKey(target, false))
}

func TestSendDispatchesUnknownKindAsProtocolError(t *testing.T) {
	tp := New(Options{})
	defer tp.Close()

	_, err := tp.Send(context.Background(), registry.Target{Kind: registry.Kind(99)}, nil, time.Second)
	require.Error(t, err)
	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindProtocol, te.Kind)
}
