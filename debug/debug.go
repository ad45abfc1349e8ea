package debug

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvDebug    = "COMETD_DEBUG"
	EnvLogLevel = "COMETD_LOG_LEVEL"
)

var (
	mu     sync.RWMutex
	Debug  bool
	level  = zerolog.InfoLevel
	root   = newRoot()
	forced bool
)

func init() {
	debugEnv, exists := os.LookupEnv(EnvDebug)
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil {
			Debug = val
		}
	}
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		level = lvl
		forced = true
	}
}

func newRoot() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Logger()
}

// Logger returns a logger tagged with the given component name. The level is
// resolved on every call so Enable/Disable affect loggers created later.
func Logger(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Level(currentLevel()).With().Str("component", component).Logger()
}

// SetOutput replaces the root logger; used by programs that log as JSON.
func SetOutput(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

func currentLevel() zerolog.Level {
	if forced {
		return level
	}
	if Debug {
		return zerolog.DebugLevel
	}
	return level
}

func Enable() {
	mu.Lock()
	Debug = true
	mu.Unlock()
}

func Disable() {
	mu.Lock()
	Debug = false
	mu.Unlock()
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	default:
		return zerolog.InfoLevel, false
	}
}
