// Package log adds a thin wrapper around logrus to improve non-debug logging
// performance and to render domain values as structured fields.
package log

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	l     = logrus.New()
	debug int32
)

// SetDebug controls debug logging.
func SetDebug(to bool) {
	if to {
		atomic.StoreInt32(&debug, 1)
		l.SetLevel(logrus.DebugLevel)
		return
	}
	atomic.StoreInt32(&debug, 0)
	l.SetLevel(logrus.InfoLevel)
}

// DebugEnabled reports whether debug logging is enabled.
func DebugEnabled() bool { return atomic.LoadInt32(&debug) == 1 }

// SetFormatter sets the formatter.
func SetFormatter(to logrus.Formatter) {
	l.SetFormatter(to)
}

// SetOutput sets the output.
func SetOutput(to io.Writer) {
	l.SetOutput(to)
}

// Configure sets the formatter and level in one call, as used by the CLI.
// Unknown formats fall back to text.
func Configure(format string, debug bool) {
	switch format {
	case "json":
		SetFormatter(&logrus.JSONFormatter{})
	default:
		SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	SetDebug(debug)
}

// Fields is a map of logging fields.
type Fields map[string]interface{}

// LogFields implements Fielder for Fields.
func (f Fields) LogFields() Fields {
	return f
}

// A Fielder provides Fields via the LogFields method.
type Fielder interface {
	LogFields() Fields
}

// err is a wrapper around an error.
type err struct {
	e error
}

// LogFields provides Fields for logging.
func (e err) LogFields() Fields {
	return Fields{
		"error": e.e.Error(),
		"type":  fmt.Sprintf("%T", e.e),
	}
}

// Err is a wrapper around errors that implements Fielder.
func Err(e error) Fielder {
	if e == nil {
		return nil
	}
	return err{e}
}

// mergeFielders merges the Fields of multiple Fielders.
// Fields from the first non-nil Fielder are used unchanged, Fields from
// subsequent Fielders are prefixed with their position and a dot.
func mergeFielders(fielders ...Fielder) logrus.Fields {
	fields := logrus.Fields{}
	first := true
	for i, f := range fielders {
		if f == nil {
			continue
		}
		prefix := ""
		if !first {
			prefix = fmt.Sprint(i, ".")
		}
		first = false
		for k, v := range f.LogFields() {
			fields[prefix+k] = v
		}
	}
	return fields
}

func entry(fielders []Fielder) *logrus.Entry {
	return l.WithFields(mergeFielders(fielders...))
}

// Debug logs at the debug level if debug logging is enabled.
func Debug(v interface{}, fielders ...Fielder) {
	if DebugEnabled() {
		entry(fielders).Debug(v)
	}
}

// Info logs at the info level.
func Info(v interface{}, fielders ...Fielder) {
	entry(fielders).Info(v)
}

// Warn logs at the warning level.
func Warn(v interface{}, fielders ...Fielder) {
	entry(fielders).Warn(v)
}

// Error logs at the error level.
func Error(v interface{}, fielders ...Fielder) {
	entry(fielders).Error(v)
}

// Fatal logs at the fatal level and exits with a status code != 0.
func Fatal(v interface{}, fielders ...Fielder) {
	entry(fielders).Fatal(v)
}
