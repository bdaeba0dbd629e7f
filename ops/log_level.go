package ops

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

type logLevelConfig struct {
	format Format
	logger *slog.Logger
}

// LogLevelOption configures LogLevelHandler.
type LogLevelOption func(*logLevelConfig)

// WithLogLevelDefaultFormat sets the default response format (overridable by ?format=).
// Default is FormatText.
func WithLogLevelDefaultFormat(f Format) LogLevelOption {
	return func(c *logLevelConfig) { c.format = f }
}

// WithLogLevelLogger sets the logger that records level changes. Default is slog.Default().
func WithLogLevelLogger(l *slog.Logger) LogLevelOption {
	return func(c *logLevelConfig) { c.logger = l }
}

func applyLogLevelOptions(opts []LogLevelOption) logLevelConfig {
	cfg := logLevelConfig{format: FormatText}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.format = normalizeFormat(cfg.format)
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

// LogLevelSnapshot is a point-in-time snapshot of a slog.LevelVar.
type LogLevelSnapshot struct {
	// Level is one of debug/info/warn/error, bucketed from LevelValue.
	Level string `json:"level"`
	// LevelValue is the numeric slog level (Debug=-4, Info=0, Warn=4, Error=8).
	LevelValue int `json:"level_value"`
}

// LogLevel returns a snapshot of lv.
func LogLevel(lv *slog.LevelVar) LogLevelSnapshot {
	if lv == nil {
		return LogLevelSnapshot{}
	}
	l := lv.Level()
	return LogLevelSnapshot{Level: levelToEnum(l), LevelValue: int(l)}
}

type logLevelResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Log *LogLevelSnapshot `json:"log,omitempty"`
	Old *LogLevelSnapshot `json:"old,omitempty"`
}

// LogLevelHandler serves the process log level.
//
//   - GET/HEAD reports the current level.
//   - POST ?level=debug|info|warn|error sets it ("warning" and "err" are accepted) and reports
//     both the old and the new level.
func LogLevelHandler(lv *slog.LevelVar, opts ...LogLevelOption) http.Handler {
	if lv == nil {
		panic("ops: nil slog.LevelVar")
	}
	cfg := applyLogLevelOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			snap := LogLevel(lv)
			writeLogLevel(w, r, format, http.StatusOK, logLevelResponse{OK: true, Log: &snap})
		case http.MethodPost:
			levelStr, _ := getQueryRequired(r, "level")
			enum, ok := normalizeLevelEnum(levelStr)
			if !ok {
				writeLogLevel(w, r, format, http.StatusBadRequest, logLevelResponse{
					Error: "invalid level (want one of: debug, info, warn, error)",
				})
				return
			}
			old := LogLevel(lv)
			lv.Set(enumToLevel(enum))
			snap := LogLevel(lv)
			cfg.logger.Info("log level changed", "old", old.Level, "new", snap.Level)
			writeLogLevel(w, r, format, http.StatusOK, logLevelResponse{OK: true, Log: &snap, Old: &old})
		default:
			w.Header().Set("Allow", "GET, HEAD, POST")
			writeLogLevel(w, r, format, http.StatusMethodNotAllowed, logLevelResponse{Error: "method not allowed"})
		}
	})
}

func writeLogLevel(w http.ResponseWriter, r *http.Request, f Format, code int, resp logLevelResponse) {
	writeResponse(w, r, f, code, resp, resp.Error, func() string {
		var b strings.Builder
		if resp.Old != nil {
			textLine(&b, "log", "old_level", resp.Old.Level)
			textLine(&b, "log", "old_level_value", strconv.Itoa(resp.Old.LevelValue))
		}
		if resp.Log != nil {
			textLine(&b, "log", "level", resp.Log.Level)
			textLine(&b, "log", "level_value", strconv.Itoa(resp.Log.LevelValue))
		}
		return b.String()
	})
}

func normalizeLevelEnum(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "warning":
		s = "warn"
	case "err":
		s = "error"
	}
	switch s {
	case "debug", "info", "warn", "error":
		return s, true
	default:
		return "", false
	}
}

// levelToEnum buckets l by the slog defaults:
// < info => debug, < warn => info, < error => warn, otherwise error.
func levelToEnum(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

func enumToLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
