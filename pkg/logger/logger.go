// Package logger provides a process-wide structured logger on top of
// log/slog: a text handler to stdout, a log file named after the date
// Init runs on, and a bounded in-memory history ring for surfacing
// recent lines without re-reading the file. The log file is opened once
// by Init and is not rotated when the date changes.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Log starts out as slog's default logger so that package-level calls
// made before Init (as in tests) do not dereference a nil logger.
var Log = slog.Default()

var (
	history     []string
	historyMu   sync.RWMutex
	maxHistory  = 500
	logFile     *os.File
	logFileMu   sync.Mutex
	logLocation *time.Location
	locationMu  sync.RWMutex

	subscribers   = make(map[chan string]struct{})
	subscribersMu sync.Mutex
)

// Subscribe registers a channel that receives every subsequent log
// line, for the websocket log-tail dashboard. The channel is buffered
// by the caller's choice; a full channel silently drops the line
// rather than blocking logging. Unsubscribe removes it again.
func Subscribe(ch chan string) {
	subscribersMu.Lock()
	subscribers[ch] = struct{}{}
	subscribersMu.Unlock()
}

func Unsubscribe(ch chan string) {
	subscribersMu.Lock()
	delete(subscribers, ch)
	subscribersMu.Unlock()
}

func broadcast(line string) {
	subscribersMu.Lock()
	defer subscribersMu.Unlock()
	for ch := range subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// Init creates the global logger, writing to stdout and to a daily log
// file under dataDir. levelStr is one of DEBUG/INFO/WARN/ERROR (case
// insensitive); anything else defaults to INFO.
func Init(levelStr, dataDir string) {
	level := parseLevel(levelStr)

	loc := time.Local
	if tz := os.Getenv("TZ"); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	locationMu.Lock()
	logLocation = loc
	locationMu.Unlock()

	if dataDir == "" {
		dataDir = "."
	}
	logPath := filepath.Join(dataDir, fmt.Sprintf("nzbstream-%s.log", time.Now().In(loc).Format("2006-01-02")))
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "logger: failed to create data dir: %v\n", err)
	} else {
		logFileMu.Lock()
		if logFile != nil {
			logFile.Close()
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: failed to open log file %s: %v\n", logPath, err)
			f = nil
		}
		logFile = f
		logFileMu.Unlock()
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().In(loc).Format("2006-01-02T15:04:05.000-07:00"))
			}
			return a
		},
	}
	base := slog.NewTextHandler(os.Stdout, opts)
	Log = slog.New(&broadcastHandler{Handler: base})
	slog.SetDefault(Log)
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// broadcastHandler records every line to the in-memory history ring and
// the dated log file, in addition to the wrapped handler's output.
type broadcastHandler struct {
	slog.Handler
}

func (h *broadcastHandler) Handle(ctx context.Context, r slog.Record) error {
	locationMu.RLock()
	loc := logLocation
	locationMu.RUnlock()
	if loc == nil {
		loc = time.Local
	}

	msg := fmt.Sprintf("time=%s level=%s msg=%q", r.Time.In(loc).Format("2006-01-02T15:04:05.000-07:00"), r.Level, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		msg += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	historyMu.Lock()
	if len(history) >= maxHistory {
		history = history[1:]
	}
	history = append(history, msg)
	historyMu.Unlock()

	broadcast(msg)

	err := h.Handler.Handle(ctx, r)

	logFileMu.Lock()
	if logFile != nil {
		fmt.Fprintln(logFile, msg)
	}
	logFileMu.Unlock()

	return err
}

// GetHistory returns a copy of the most recent log lines.
func GetHistory() []string {
	historyMu.RLock()
	defer historyMu.RUnlock()
	cp := make([]string, len(history))
	copy(cp, history)
	return cp
}

// Close closes the dated log file, if one is open.
func Close() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }

func Fatal(msg string, args ...any) {
	Log.Error(msg, args...)
	os.Exit(1)
}
