package syncweb

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoggingConfig controls what the request log includes.
type LoggingConfig struct {
	OnlyHTTPErrors bool
}

// NewLoggingHandler wraps h, logging one structured entry per request at
// Info, or only for non-2xx responses when cfg.OnlyHTTPErrors is set.
// Grounded on web/logHandler.go LoggingHandler.
func NewLoggingHandler(logger log.FieldLogger, cfg LoggingConfig, h http.Handler) http.Handler {
	return &loggingHandler{logger: logger, cfg: cfg, handler: h}
}

type loggingHandler struct {
	logger  log.FieldLogger
	cfg     LoggingConfig
	handler http.Handler
}

func (h *loggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lw := &responseLogger{w: w}
	start := time.Now()

	// Attach the Session here so the auth middleware further in fills in
	// the same one and its identity and error are visible below.
	r, _ = sessionOrNew(r)
	h.handler.ServeHTTP(lw, r)

	took := time.Since(start) / time.Millisecond

	errno := lw.status
	if errno == http.StatusOK {
		errno = 0
	}

	if h.cfg.OnlyHTTPErrors && errno == 0 {
		return
	}

	var uid, errText string
	if s, ok := SessionFromContext(r.Context()); ok {
		uid = identityUID(s)
		if s.ErrorResult != nil {
			errText = s.ErrorResult.Error()
		}
	}

	fields := log.Fields{
		"agent":  r.UserAgent(),
		"errno":  errno,
		"method": r.Method,
		"path":   r.URL.RequestURI(),
		"req_sz": r.ContentLength,
		"res_sz": lw.size,
		"t":      int(took),
		"uid":    uid,
	}
	if errText != "" {
		fields["error"] = errText
	}

	h.logger.WithFields(fields).Info()
}

func identityUID(s *Session) string {
	if s.Identity.UserID == 0 {
		return ""
	}
	return strconv.FormatInt(s.Identity.UserID, 10)
}

type responseLogger struct {
	w      http.ResponseWriter
	status int
	size   int
}

func (l *responseLogger) Header() http.Header { return l.w.Header() }

func (l *responseLogger) Write(b []byte) (int, error) {
	if l.status == 0 {
		l.status = http.StatusOK
	}
	n, err := l.w.Write(b)
	l.size += n
	return n, err
}

func (l *responseLogger) WriteHeader(status int) {
	l.w.WriteHeader(status)
	l.status = status
}

// mozlogEnvelope is the MozLog standard format used in production logging.
type mozlogEnvelope struct {
	Timestamp  int64
	Type       string
	Logger     string
	Hostname   string
	EnvVersion string
	Pid        int
	Severity   uint8
	Fields     log.Fields
}

// MozlogFormatter renders logrus entries in the MozLog envelope.
type MozlogFormatter struct {
	Hostname string
	Pid      int
}

var encoderPool = sync.Pool{New: func() interface{} { return new(bytes.Buffer) }}

func (f *MozlogFormatter) Format(entry *log.Entry) ([]byte, error) {
	m := &mozlogEnvelope{
		Timestamp:  entry.Time.UnixNano(),
		Type:       "system",
		Logger:     "syncstore",
		Hostname:   f.Hostname,
		EnvVersion: "2.0",
		Pid:        f.Pid,
		Fields:     entry.Data,
	}

	if _, ok := entry.Data["method"]; ok {
		if _, ok2 := entry.Data["path"]; ok2 {
			m.Type = "request.summary"
		}
	}
	if entry.Message != "" {
		entry.Data["msg"] = entry.Message
	}

	switch entry.Level {
	case log.PanicLevel:
		m.Severity = 1
	case log.FatalLevel:
		m.Severity = 2
	case log.ErrorLevel:
		m.Severity = 3
	case log.WarnLevel:
		m.Severity = 4
	case log.InfoLevel:
		m.Severity = 6
	case log.DebugLevel:
		m.Severity = 7
	}

	buf := encoderPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		encoderPool.Put(buf)
	}()

	if err := json.NewEncoder(buf).Encode(m); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
