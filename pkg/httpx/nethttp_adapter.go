package httpx

import "net/http"

// NetHTTPAdapter mounts an events HandlerFunc on a net/http mux. The
// handler writes into a buffered header set that is flushed to the real
// ResponseWriter on WriteHeader, mirroring what the fasthttp side does.
func NetHTTPAdapter(h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &Request{
			Ctx:        r.Context(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Header:     r.Header.Clone(),
			Body:       r.Body,
			RemoteAddr: r.RemoteAddr,
		}
		h(&deferredWriter{dst: w, header: make(http.Header)}, req)
		if req.Body != nil {
			_ = req.Body.Close()
		}
	})
}

// deferredWriter holds headers until the status is decided, so handlers
// may set headers in any order before the first Write.
type deferredWriter struct {
	dst    http.ResponseWriter
	header http.Header
	wrote  bool
}

func (d *deferredWriter) Header() http.Header { return d.header }

func (d *deferredWriter) WriteHeader(status int) {
	if d.wrote {
		return
	}
	d.wrote = true
	dst := d.dst.Header()
	for k, vals := range d.header {
		dst[k] = append([]string(nil), vals...)
	}
	d.dst.WriteHeader(status)
}

func (d *deferredWriter) Write(b []byte) (int, error) {
	if !d.wrote {
		d.WriteHeader(http.StatusOK)
	}
	return d.dst.Write(b)
}
