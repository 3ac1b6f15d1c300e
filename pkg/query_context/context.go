package query_context

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/doh-racer/pkg/dnsutils"
)

const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
	ProtocolH2    = "h2"
	ProtocolH3    = "h3"
)

// TransportKind is how the client carried its query.
type TransportKind uint8

const (
	// RawBody is a POST request with the wire message as body.
	RawBody TransportKind = iota
	// Base64Param is a GET request with the wire message in the dns parameter.
	Base64Param
)

func (k TransportKind) String() string {
	switch k {
	case RawBody:
		return "raw_body"
	case Base64Param:
		return "base64_param"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var ErrBadRequest = errors.New("missing or empty dns query")

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.Addr
	serverName string
	protocol   string
}

func NewRequestMeta(addr netip.Addr) *RequestMeta {
	meta := new(RequestMeta)
	meta.SetClientAddr(addr)
	return meta
}

func (m *RequestMeta) SetClientAddr(addr netip.Addr) {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	m.clientAddr = addr
}

func (m *RequestMeta) SetProtocol(protocol string) {
	m.protocol = protocol
}

func (m *RequestMeta) SetServerName(serverName string) {
	m.serverName = serverName
}

func (m *RequestMeta) GetClientAddr() netip.Addr {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

func (m *RequestMeta) GetServerName() string {
	return m.serverName
}

// Context holds a single resolution. The query is immutable once the
// Context is created.
type Context struct {
	startTime time.Time
	q         []byte
	encoded   string
	kind      TransportKind
	id        uint32
	reqMeta   *RequestMeta
}

var (
	contextUid      uint32
	zeroRequestMeta = &RequestMeta{}
)

// New extracts the wire query from transportQuery.
// For RawBody transportQuery is the query itself. For Base64Param it is the
// base64url form and is decoded here. An empty input returns ErrBadRequest,
// an undecodable one an error wrapping dnsutils.ErrMalformedEncoding.
func New(transportQuery []byte, kind TransportKind, meta *RequestMeta) (*Context, error) {
	if len(transportQuery) == 0 {
		return nil, ErrBadRequest
	}

	var q []byte
	switch kind {
	case RawBody:
		q = transportQuery
	case Base64Param:
		b, err := dnsutils.DecodeQuery(string(transportQuery))
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, ErrBadRequest
		}
		q = b
	default:
		return nil, fmt.Errorf("unknown transport kind %d", kind)
	}

	if meta == nil {
		meta = zeroRequestMeta
	}
	return &Context{
		q:         q,
		encoded:   dnsutils.EncodeQuery(q),
		kind:      kind,
		reqMeta:   meta,
		id:        atomic.AddUint32(&contextUid, 1),
		startTime: time.Now(),
	}, nil
}

// String returns a short summary of its query.
func (ctx *Context) String() string {
	e := ctx.encoded
	if len(e) > 16 {
		e = e[:16] + "..."
	}
	return fmt.Sprintf("%d %s %dB %s", ctx.id, ctx.kind, len(ctx.q), e)
}

// Q returns the wire query. Callers must not modify it.
func (ctx *Context) Q() []byte {
	return ctx.q
}

// Encoded returns the normalized base64url form of Q. Queries with identical
// bytes always have identical Encoded values regardless of their TransportKind.
func (ctx *Context) Encoded() string {
	return ctx.encoded
}

func (ctx *Context) Kind() TransportKind {
	return ctx.kind
}

// ReqMeta returns the request metadata.
func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

// Id returns the Context id.
func (ctx *Context) Id() uint32 {
	return ctx.id
}

// StartTime returns the time when the Context was created.
func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("query", ctx)
}
