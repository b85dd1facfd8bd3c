package config

import (
	"io"
	"log"
	"strings"
	"time"
)

// NewLogger builds the process logger for the configured level. Packages
// in this repository rank their lines by message prefix: "ERROR " and
// "WARN " mark the two upper levels, everything else is informational.
// The writer stamps lines itself so filtering sees the bare message.
func NewLogger(w io.Writer, level LogLevel) *log.Logger {
	return log.New(&levelWriter{w: w, min: levelRank(level)}, "", 0)
}

type levelWriter struct {
	w   io.Writer
	min int
}

func levelRank(level LogLevel) int {
	switch level {
	case LogError:
		return 3
	case LogWarn:
		return 2
	case LogDebug:
		return 0
	}
	return 1
}

func lineRank(line string) int {
	switch {
	case strings.HasPrefix(line, "ERROR "):
		return 3
	case strings.HasPrefix(line, "WARN "):
		return 2
	case strings.HasPrefix(line, "DEBUG "):
		return 0
	}
	return 1
}

func (lw *levelWriter) Write(p []byte) (int, error) {
	if lineRank(string(p)) < lw.min {
		return len(p), nil
	}
	stamped := append([]byte(time.Now().Format("2006/01/02 15:04:05 ")), p...)
	if _, err := lw.w.Write(stamped); err != nil {
		return 0, err
	}
	return len(p), nil
}
