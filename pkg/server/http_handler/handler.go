/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package http_handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/pmkol/doh-racer/pkg/deferred"
	"github.com/pmkol/doh-racer/pkg/dnsutils"
	"github.com/pmkol/doh-racer/pkg/pipeline"
	"github.com/pmkol/doh-racer/pkg/pool"
	C "github.com/pmkol/doh-racer/pkg/query_context"
)

const (
	defaultPath       = "/dns-query"
	defaultHealthPath = "/health"

	statsPath      = "/stats"
	providersPath  = "/providers"
	clearCachePath = "/clear-cache"
)

var nopLogger = zap.NewNop()

// proxyHeaders is defined as a package-level variable to avoid allocation on every request.
var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// failedBody is the only detail a client sees when every upstream failed.
var failedBody = []byte(`{"error":"DNS resolution failed","details":"All providers failed or timed out."}`)

type HandlerOpts struct {
	// Pipeline cannot be nil.
	Pipeline *pipeline.Pipeline

	// Scheduler receives the cache writes of a request after its
	// response is written. Nil runs them on new goroutines.
	Scheduler deferred.Scheduler

	// Path is the DoH endpoint. Default is "/dns-query".
	Path string

	SrcIPHeader string

	// HealthPath answers "OK". Default is "/health".
	HealthPath string

	// Redirects maps request paths to 302 targets.
	Redirects map[string]string

	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Pipeline == nil {
		return errors.New("nil pipeline")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.HealthPath == "" {
		opts.HealthPath = defaultHealthPath
	}
	return nil
}

type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

func (h *Handler) warnErr(req Request, err error) {
	h.opts.Logger.Warn(err.Error(), zap.String("from", req.GetRemoteAddr()), zap.String("method", req.Method()), zap.String("url", req.RequestURI()))
}

// Interfaces to abstract http/http3 requests
type ResponseWriter interface {
	Header() Header
	Write([]byte) (int, error)
	WriteHeader(statusCode int)
}

type Header interface {
	Get(key string) string
	Set(key string, value string)
	Add(key string, value string)
}

type Request interface {
	URL() *url.URL
	TLS() *TlsInfo
	Body() io.ReadCloser
	Header() Header
	Method() string
	Context() context.Context
	RequestURI() string
	GetRemoteAddr() string
	SetRemoteAddr(addr string)
}

type TlsInfo struct {
	Version            uint16
	ServerName         string
	NegotiatedProtocol string
}

func (h *Handler) ServeHTTP(w ResponseWriter, req Request) {
	defer func() {
		if err := recover(); err != nil {
			h.opts.Logger.Error("handler panicked", zap.Any("err", err), zap.String("url", req.RequestURI()), zap.Stack("stack"))
			writeText(w, http.StatusInternalServerError, "Internal Service Error")
		}
	}()

	path := req.URL().Path

	// Health check fast path.
	if path == h.opts.HealthPath {
		writeText(w, http.StatusOK, "OK")
		return
	}

	if target, ok := h.opts.Redirects[path]; ok {
		w.Header().Set("Location", target)
		w.WriteHeader(http.StatusFound)
		return
	}

	switch path {
	case h.opts.Path:
		h.serveDoH(w, req)
	case statsPath, providersPath:
		h.serveStats(w)
	case clearCachePath:
		h.serveClearCache(w, req)
	default:
		writeText(w, http.StatusNotFound, "Not Found")
	}
}

func (h *Handler) serveDoH(w ResponseWriter, req Request) {
	var (
		b    []byte
		kind C.TransportKind
	)

	switch req.Method() {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return

	case http.MethodGet:
		s := req.URL().Query().Get("dns")
		if len(s) == 0 {
			writeText(w, http.StatusBadRequest, "Missing DNS parameter")
			return
		}

		// Security: Pre-check decoded length to prevent oversized memory allocation
		if dnsutils.DecodedQueryLen(s) > dns.MaxMsgSize {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		b, kind = []byte(s), C.Base64Param

	case http.MethodPost:
		body, tooLarge, err := pool.ReadAllLimited(req.Body(), dns.MaxMsgSize)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			h.warnErr(req, fmt.Errorf("read body failed: %w", err))
			return
		}
		if tooLarge {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		b, kind = body, C.RawBody

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sched deferred.Scheduler
	batch := new(deferred.Batch)
	if h.opts.Scheduler != nil {
		sched = batch
	}

	res, err := h.opts.Pipeline.ResolveTransport(req.Context(), b, kind, h.requestMeta(req), sched)
	if err != nil {
		switch {
		case errors.Is(err, C.ErrBadRequest), errors.Is(err, dnsutils.ErrMalformedEncoding):
			writeText(w, http.StatusBadRequest, "Bad Request")
			h.warnErr(req, fmt.Errorf("invalid query: %w", err))
		default:
			h.warnErr(req, fmt.Errorf("resolve failed: %w", err))
			writeFailed(w)
		}
		return
	}
	if res.Failed {
		writeFailed(w)
		return
	}

	e := res.Entry
	for k, vs := range e.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if res.FromCache {
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("X-Response-Time", "0ms")
	} else {
		w.Header().Set("X-Cache", "MISS")
		w.Header().Set("X-Response-Time", fmt.Sprintf("%dms", res.Elapsed.Milliseconds()))
		w.Header().Set("X-Provider", res.Provider)
	}
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)

	if sched != nil {
		batch.Flush(h.opts.Scheduler)
	}
}

func (h *Handler) serveStats(w ResponseWriter) {
	b, err := json.MarshalIndent(h.opts.Pipeline.Stats().Snapshot(), "", "  ")
	if err != nil {
		panic(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

type clearCacheResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) serveClearCache(w ResponseWriter, req Request) {
	if m := req.Method(); m != http.MethodGet && m != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := http.StatusOK
	res := clearCacheResponse{Success: true, Message: "Cache cleared"}
	if err := h.opts.Pipeline.Cache().Clear(req.Context()); err != nil {
		h.warnErr(req, fmt.Errorf("clear cache failed: %w", err))
		status = http.StatusInternalServerError
		res = clearCacheResponse{Message: err.Error()}
	} else {
		h.opts.Logger.Info("cache cleared", zap.String("from", req.GetRemoteAddr()))
	}

	b, _ := json.Marshal(res)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (h *Handler) requestMeta(req Request) *C.RequestMeta {
	// Initialize RequestMeta with proper IP unmapping (IPv4-in-IPv6 support)
	meta := new(C.RequestMeta)
	if addr, err := getRemoteAddr(req, h.opts.SrcIPHeader); err == nil {
		meta.SetClientAddr(addr)
	}

	if tlsInfo := req.TLS(); tlsInfo != nil {
		meta.SetServerName(tlsInfo.ServerName)
		switch tlsInfo.NegotiatedProtocol {
		case http3.NextProtoH3:
			meta.SetProtocol(C.ProtocolH3)
		case "h2":
			meta.SetProtocol(C.ProtocolH2)
		default:
			meta.SetProtocol(C.ProtocolHTTPS)
		}
	} else {
		meta.SetProtocol(C.ProtocolHTTP)
	}
	return meta
}

func writeText(w ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, s)
}

func writeFailed(w ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write(failedBody)
}

func getRemoteAddr(req Request, customHeader string) (netip.Addr, error) {
	// Priority check for common proxy headers using the static package-level slice
	for _, h := range proxyHeaders {
		if val := req.Header().Get(h); val != "" {
			// Handle potential list in X-Forwarded-For (take first)
			ipStr := val
			if h == "X-Forwarded-For" {
				ipStr, _, _ = strings.Cut(val, ",")
			}
			ipStr = strings.TrimSpace(ipStr)
			if addr, err := netip.ParseAddr(ipStr); err == nil {
				req.SetRemoteAddr(ipStr)
				return addr, nil
			}
		}
	}

	if customHeader != "" {
		if val := req.Header().Get(customHeader); val != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(val)); err == nil {
				req.SetRemoteAddr(val)
				return addr, nil
			}
		}
	}

	addrport, err := netip.ParseAddrPort(req.GetRemoteAddr())
	if err != nil {
		return netip.Addr{}, err
	}
	return addrport.Addr(), nil
}
