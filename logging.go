package httptoolkit

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const maskValue = "***"

var callerMarshalOnce sync.Once

// NewLogger builds a stdout logger at level. pretty switches to a human
// readable console format. Unknown levels fall back to info.
func NewLogger(level string, pretty bool) zerolog.Logger {
	callerMarshalOnce.Do(func() {
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			base := filepath.Base(file)
			parent := filepath.Base(filepath.Dir(file))
			if parent != "." && parent != "" {
				return parent + "/" + base + ":" + strconv.Itoa(line)
			}
			return base + ":" + strconv.Itoa(line)
		}
	})

	var l zerolog.Logger
	if pretty {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	} else {
		l = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	zLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		zLevel = zerolog.InfoLevel
	}
	return l.Level(zLevel)
}

// LoggingConfig configures the Logging middleware.
type LoggingConfig struct {
	// Logger is the sink. Nil logs JSON to stdout.
	Logger *zerolog.Logger
	// LogHeaders adds request headers, sensitive ones masked.
	LogHeaders bool
	// SensitiveHeaders extends the default list of masked headers.
	SensitiveHeaders []string
}

var defaultSensitiveHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
	"X-Api-Key",
	"X-Amz-Security-Token",
}

// Logging returns a Wrapper that logs every request it sees: method, URL,
// status and duration at info level, transport errors at error level. Put it
// before a Retry in the list to log every attempt, after it to log once per
// call.
func Logging(cfg LoggingConfig) Wrapper {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	sensitive := make(map[string]struct{}, len(defaultSensitiveHeaders)+len(cfg.SensitiveHeaders))
	for _, h := range append(append([]string(nil), defaultSensitiveHeaders...), cfg.SensitiveHeaders...) {
		sensitive[http.CanonicalHeaderKey(h)] = struct{}{}
	}

	return MiddlewareFunc(func(req *http.Request, next RoundTripper) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(req)
		elapsed := time.Since(start)

		var event *zerolog.Event
		if err != nil {
			event = logger.Error().Err(err)
		} else {
			event = logger.Info().Int("status", resp.StatusCode)
		}
		event = event.
			Str("method", req.Method).
			Str("url", req.URL.Redacted()).
			Dur("elapsed", elapsed)
		if cfg.LogHeaders {
			event = event.Interface("headers", maskHeaders(req.Header, sensitive))
		}
		event.Msg("HTTP request")

		return resp, err
	})
}

func maskHeaders(header http.Header, sensitive map[string]struct{}) map[string]string {
	out := make(map[string]string, len(header))
	for k, v := range header {
		if _, ok := sensitive[http.CanonicalHeaderKey(k)]; ok {
			out[k] = maskValue
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}
