package query_context

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/doh-racer/pkg/dnsutils"
)

func TestNew(t *testing.T) {
	q := []byte{0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0xff, 0xfe}

	raw, err := New(q, RawBody, nil)
	require.NoError(t, err)
	assert.Equal(t, q, raw.Q())
	assert.Equal(t, RawBody, raw.Kind())
	assert.NotNil(t, raw.ReqMeta())

	param, err := New([]byte(dnsutils.EncodeQuery(q)), Base64Param, nil)
	require.NoError(t, err)
	assert.Equal(t, q, param.Q())
	assert.Equal(t, raw.Encoded(), param.Encoded())
	assert.NotEqual(t, raw.Id(), param.Id())

	padded, err := New([]byte(dnsutils.EncodeQuery(q)+"=="), Base64Param, nil)
	require.NoError(t, err)
	assert.Equal(t, raw.Encoded(), padded.Encoded())
}

func TestNew_errors(t *testing.T) {
	_, err := New(nil, RawBody, nil)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = New([]byte{}, Base64Param, nil)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = New([]byte("%%%"), Base64Param, nil)
	assert.ErrorIs(t, err, dnsutils.ErrMalformedEncoding)
	_, err = New([]byte("="), Base64Param, nil)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = New([]byte{1}, TransportKind(9), nil)
	assert.Error(t, err)
}

func TestRequestMeta(t *testing.T) {
	meta := NewRequestMeta(netip.MustParseAddr("::ffff:192.0.2.1"))
	meta.SetProtocol(ProtocolH2)
	meta.SetServerName("dns.example")
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), meta.GetClientAddr())
	assert.Equal(t, ProtocolH2, meta.GetProtocol())
	assert.Equal(t, "dns.example", meta.GetServerName())
}

func TestContext_String(t *testing.T) {
	c, err := New(make([]byte, 40), RawBody, nil)
	require.NoError(t, err)
	s := c.String()
	assert.Contains(t, s, "raw_body")
	assert.Contains(t, s, "40B")
	assert.Contains(t, s, "...")
}
