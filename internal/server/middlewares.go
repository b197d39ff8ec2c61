package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"groupchat/internal/storage/zapadapter"
)

const (
	maxBodySize     = 1 << 20
	requestIDHeader = "X-Request-Id"
)

// enforcePostJson rejects anything but a POST with a JSON body of at most maxBodySize bytes.
// A missing Content-Type is treated as application/json.
func enforcePostJson(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		if ct := r.Header.Get("Content-Type"); ct == "" {
			r.Header.Set("Content-Type", "application/json")
		} else if mt, _, err := mime.ParseMediaType(ct); err != nil {
			http.Error(w, "Malformed Content-Type header", http.StatusBadRequest)
			return
		} else if mt != "application/json" {
			http.Error(w, "Content-Type header must be application/json", http.StatusUnsupportedMediaType)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			http.Error(w, "Request body is too large", http.StatusRequestEntityTooLarge)
			return
		case err != nil:
			http.Error(w, "Can not read request body", http.StatusBadRequest)
			return
		case len(body) == 0:
			http.Error(w, "No body provided", http.StatusBadRequest)
			return
		}
		if fastjson.ValidateBytes(body) != nil {
			http.Error(w, "Malformed JSON", http.StatusBadRequest)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the response status. It stays a Hijacker so websocket upgrades pass through.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.ResponseWriter.Write(b)
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(rec.ResponseWriter).Hijack()
	if err == nil {
		rec.status = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// log tags the request with an xid request id, echoed in X-Request-Id, and logs it once served
func log(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(zapadapter.NewContextWithID(r.Context(), id)))

		logger.Info("http request",
			zap.String("id", id),
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.String("ip", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}
