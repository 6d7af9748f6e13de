package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

// Logger provides formatted logging for the assistant CLI and REPL.
type Logger struct {
	verbose  bool
	useColor bool
	writer   io.Writer
}

// NewLogger creates a logger writing to stdout.
func NewLogger(verbose, useColor bool) *Logger {
	return &Logger{
		verbose:  verbose,
		useColor: useColor,
		writer:   os.Stdout,
	}
}

// NewLoggerWithWriter creates a logger with a custom writer.
func NewLoggerWithWriter(verbose, useColor bool, writer io.Writer) *Logger {
	return &Logger{
		verbose:  verbose,
		useColor: useColor,
		writer:   writer,
	}
}

// NewDevNullLogger creates a logger that discards everything.
func NewDevNullLogger() *Logger {
	return &Logger{writer: io.Discard}
}

// SetVerbose sets the verbose mode
func (l *Logger) SetVerbose(verbose bool) {
	l.verbose = verbose
}

// Verbose reports whether verbose mode is on.
func (l *Logger) Verbose() bool {
	return l.verbose
}

// Output writes user-facing output directly without timestamps.
// This is for command results, formatted data, etc.
func (l *Logger) Output(format string, args ...interface{}) {
	fmt.Fprintf(l.writer, format, args...)
}

// OutputLine writes user-facing output with a newline.
func (l *Logger) OutputLine(format string, args ...interface{}) {
	fmt.Fprintf(l.writer, format+"\n", args...)
}

func (l *Logger) timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

// colorize applies color to text if colors are enabled
func (l *Logger) colorize(text, colorCode string) string {
	if !l.useColor {
		return text
	}
	return fmt.Sprintf("%s%s%s", colorCode, text, colorReset)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.writer, "[%s] %s\n", l.timestamp(), msg)
}

// Debug logs a debug message (only in verbose mode)
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.verbose {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.writer, "[%s] %s\n", l.timestamp(), l.colorize(msg, colorGray))
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.writer, "[%s] %s\n", l.timestamp(), l.colorize(msg, colorYellow))
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.writer, "[%s] %s\n", l.timestamp(), l.colorize(msg, colorRed))
}

// Success logs a success message
func (l *Logger) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.writer, "[%s] %s\n", l.timestamp(), l.colorize(msg, colorGreen))
}

// Request logs an outgoing MCP request (verbose mode only).
func (l *Logger) Request(method string, params interface{}) {
	if !l.verbose {
		return
	}
	arrow := l.colorize("→", colorBlue)
	fmt.Fprintf(l.writer, "[%s] %s %s\n", l.timestamp(), arrow, l.colorize(method, colorBlue))
	if params != nil {
		fmt.Fprintln(l.writer, l.colorize(prettyJSON(params), colorBlue))
	}
}

// Response logs an incoming MCP response (verbose mode only).
func (l *Logger) Response(method string, result interface{}) {
	if !l.verbose {
		return
	}
	arrow := l.colorize("←", colorGreen)
	fmt.Fprintf(l.writer, "[%s] %s %s\n", l.timestamp(), arrow, l.colorize(method, colorGreen))
	if result != nil {
		fmt.Fprintln(l.writer, l.colorize(prettyJSON(result), colorGreen))
	}
}

// Write implements io.Writer for compatibility
func (l *Logger) Write(p []byte) (n int, err error) {
	l.Debug("%s", string(p))
	return len(p), nil
}

// prettyJSON formats a value as indented JSON for display.
func prettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
