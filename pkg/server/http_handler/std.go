package http_handler

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// StdHandler adapts h to a standard net/http handler.
func StdHandler(h *Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(&stdResponseWriter{w}, &stdRequest{r})
	})
}

type stdRequest struct{ r *http.Request }

func (r *stdRequest) URL() *url.URL { return r.r.URL }
func (r *stdRequest) TLS() *TlsInfo {
	if r.r.TLS == nil {
		return nil
	}
	return &TlsInfo{Version: r.r.TLS.Version, ServerName: r.r.TLS.ServerName, NegotiatedProtocol: r.r.TLS.NegotiatedProtocol}
}
func (r *stdRequest) Body() io.ReadCloser       { return r.r.Body }
func (r *stdRequest) Header() Header            { return r.r.Header }
func (r *stdRequest) Method() string            { return r.r.Method }
func (r *stdRequest) Context() context.Context  { return r.r.Context() }
func (r *stdRequest) RequestURI() string        { return r.r.RequestURI }
func (r *stdRequest) GetRemoteAddr() string     { return r.r.RemoteAddr }
func (r *stdRequest) SetRemoteAddr(addr string) { r.r.RemoteAddr = addr }

type stdResponseWriter struct{ w http.ResponseWriter }

func (w *stdResponseWriter) Header() Header              { return w.w.Header() }
func (w *stdResponseWriter) Write(b []byte) (int, error) { return w.w.Write(b) }
func (w *stdResponseWriter) WriteHeader(code int)        { w.w.WriteHeader(code) }
