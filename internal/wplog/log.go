// log.go
package wplog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"wperf-engine/internal/config"

	"github.com/phuslu/log"
)

var (
	// Module-specific loggers
	modEngineLogger    log.Logger // PMU engine logger
	modBrokerLogger    log.Logger // Command broker logger
	modTransportLogger log.Logger // Ingress transport logger
	modDSULogger       log.Logger // DSU unit logger
	modDMCLogger       log.Logger // DMC unit logger
	modSPELogger       log.Logger // SPE unit logger

	sharedWriter log.Writer
)

func init() {
	// Before ConfigureLogging runs, module loggers fall back to stderr so
	// early init-path messages are never lost.
	sharedWriter = &log.IOWriter{Writer: os.Stderr}
	defaults := config.LogDefaults{Level: "info", TimeLocation: "Local"}
	rebuildModuleLoggers(config.LoggingConfig{Defaults: defaults}, sharedWriter)
}

// parseLogLevel converts string log level to log.Level
func parseLogLevel(levelStr string) log.Level {
	switch levelStr {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// parseTimeLocation parses time location string
func parseTimeLocation(location string) *time.Location {
	switch location {
	case "Local":
		return time.Local
	case "UTC":
		return time.UTC
	default:
		if loc, err := time.LoadLocation(location); err == nil {
			return loc
		}
		return time.Local
	}
}

// mapTimeFormat maps string time format to log.TimeFormat
func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	default:
		return format
	}
}

// GlogFormatter implements a glog-style text format.
type GlogFormatter struct{}

// Formatter builds the log entry in glog format.
// This implementation uses a buffer for high performance, avoiding fmt.Fprintf.
func (f GlogFormatter) Formatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	var buf bytes.Buffer

	// Level (e.g., 'I' for info)
	if len(a.Level) > 0 {
		buf.WriteByte(a.Level[0] - 32) // Uppercase first letter
	} else {
		buf.WriteByte('?')
	}

	// Time, Goid, Caller
	buf.WriteString(a.Time)
	buf.WriteByte(' ')
	buf.WriteString(a.Goid)
	buf.WriteByte(' ')
	buf.WriteString(a.Caller)
	buf.WriteString("] ")

	// Message
	buf.WriteString(a.Message)
	buf.WriteByte('\n')

	return w.Write(buf.Bytes())
}

// createConsoleWriter creates a console writer based on configuration
func createConsoleWriter(cfg *config.ConsoleConfig) (log.Writer, error) {
	var baseWriter io.Writer
	switch cfg.Writer {
	case "stdout":
		baseWriter = os.Stdout
	case "stderr":
		baseWriter = os.Stderr
	default:
		baseWriter = os.Stderr
	}

	var writer log.Writer

	if cfg.FastIO {
		// Use fast IOWriter for JSON output
		writer = &log.IOWriter{Writer: baseWriter}
	} else {
		// Use ConsoleWriter for formatted output
		consoleWriter := &log.ConsoleWriter{
			ColorOutput:    cfg.ColorOutput,
			QuoteString:    cfg.QuoteString,
			EndWithMessage: true,
			Writer:         baseWriter,
		}

		// Set formatter based on format
		switch cfg.Format {
		case "logfmt":
			consoleWriter.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
			writer = consoleWriter
		case "glog":
			consoleWriter.Formatter = GlogFormatter{}.Formatter
			writer = consoleWriter
		case "auto":
			fallthrough
		default:
			// Default colorized console format
			writer = consoleWriter
		}
	}

	if cfg.Async {
		return &log.AsyncWriter{
			ChannelSize: 4096,
			Writer:      writer,
		}, nil
	} else if !cfg.FastIO {
		// Not async and not FastIO means the complex ConsoleWriter.
		// Wrap it in a mutex to make it thread-safe.
		writer = &safeWriter{w: writer}
	}
	return writer, nil
}

// createFileWriter creates a file writer based on configuration
func createFileWriter(cfg *config.FileConfig) (log.Writer, error) {
	// Ensure directory exists if requested
	if cfg.EnsureFolder {
		dir := filepath.Dir(cfg.Filename)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	baseWriter := &log.FileWriter{
		Filename:     cfg.Filename,
		FileMode:     0644,                      // Fixed mode for Windows
		MaxSize:      cfg.MaxSize * 1024 * 1024, // Convert MB to bytes
		MaxBackups:   cfg.MaxBackups,
		TimeFormat:   mapTimeFormat(cfg.TimeFormat),
		LocalTime:    cfg.LocalTime,
		HostName:     cfg.HostName,
		ProcessID:    cfg.ProcessID,
		EnsureFolder: cfg.EnsureFolder,
	}

	if cfg.Async {
		return &log.AsyncWriter{
			ChannelSize: 4096,
			Writer:      baseWriter,
		}, nil
	}
	return baseWriter, nil
}

// createSyslogWriter creates a syslog writer based on configuration
func createSyslogWriter(cfg *config.SyslogConfig) (log.Writer, error) {
	baseWriter := &log.SyslogWriter{
		Network:  cfg.Network,
		Address:  cfg.Address,
		Hostname: cfg.Hostname,
		Tag:      cfg.Tag,
		Marker:   cfg.Marker,
	}

	if cfg.Async {
		return &log.AsyncWriter{
			ChannelSize: 4096,
			Writer:      baseWriter,
		}, nil
	}
	return baseWriter, nil
}

// createWriter creates a log.Writer based on the output configuration
func createWriter(output config.LogOutput) (log.Writer, error) {
	if !output.Enabled {
		return nil, nil
	}

	switch output.Type {
	case "console":
		if output.Console == nil {
			return nil, fmt.Errorf("console output missing console configuration")
		}
		return createConsoleWriter(output.Console)

	case "file":
		if output.File == nil {
			return nil, fmt.Errorf("file output missing file configuration")
		}
		return createFileWriter(output.File)

	case "syslog":
		if output.Syslog == nil {
			return nil, fmt.Errorf("syslog output missing syslog configuration")
		}
		return createSyslogWriter(output.Syslog)

	case "eventlog":
		if output.Eventlog == nil {
			return nil, fmt.Errorf("eventlog output missing eventlog configuration")
		}
		return createEventlogWriter(output.Eventlog)

	default:
		return nil, fmt.Errorf("unknown output type: %s", output.Type)
	}
}

// createMultiWriter creates a multi-writer that outputs to multiple destinations
func createMultiWriter(outputs []config.LogOutput) (log.Writer, error) {
	var writers []log.Writer

	for _, output := range outputs {
		if !output.Enabled {
			continue
		}

		writer, err := createWriter(output)
		if err != nil {
			return nil, err
		}
		if writer != nil {
			writers = append(writers, writer)
		}
	}

	if len(writers) == 0 {
		// Fallback to stderr if no writers are configured
		return &log.IOWriter{Writer: os.Stderr}, nil
	}

	if len(writers) == 1 {
		return writers[0], nil
	}

	multiWriter := log.MultiEntryWriter(writers)
	return &multiWriter, nil
}

// safeWriter is a simple log.Writer wrapper that ensures thread-safety via a mutex.
type safeWriter struct {
	mu sync.Mutex
	w  log.Writer
}

// WriteEntry implements the log.Writer interface by calling the wrapped
// writer's WriteEntry method under a lock.
func (sw *safeWriter) WriteEntry(e *log.Entry) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.WriteEntry(e)
}

// Close passes the close call to the underlying writer if it's a closer.
func (sw *safeWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if closer, ok := sw.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func createLogger(cfg config.LoggingConfig, writer log.Writer, contextStr string) log.Logger {
	return log.Logger{
		Level:        parseLogLevel(cfg.Defaults.Level),
		Caller:       0, // Disable caller for performance
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(cfg.Defaults.TimeLocation),
		Writer:       writer,
		Context:      log.NewContext(nil).Str("module", contextStr).Value(),
	}
}

func rebuildModuleLoggers(cfg config.LoggingConfig, writer log.Writer) {
	modEngineLogger = createLogger(cfg, writer, "pmu-engine")
	modBrokerLogger = createLogger(cfg, writer, "cmd-broker")
	modTransportLogger = createLogger(cfg, writer, "ingress")
	modDSULogger = createLogger(cfg, writer, "dsu")
	modDMCLogger = createLogger(cfg, writer, "dmc")
	modSPELogger = createLogger(cfg, writer, "spe")
}

// ConfigureLogging configures the global logger and module-specific loggers
func ConfigureLogging(cfg config.LoggingConfig) error {
	// Create a multi-writer that handles all configured outputs
	multiWriter, err := createMultiWriter(cfg.Outputs)
	if err != nil {
		return err
	}
	sharedWriter = multiWriter

	// Configure the default logger (used by main application)
	log.DefaultLogger = log.Logger{
		Level:        parseLogLevel(cfg.Defaults.Level),
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(cfg.Defaults.TimeLocation),
		Writer:       multiWriter,
	}

	// Configure module-specific loggers using the same multi-writer
	rebuildModuleLoggers(cfg, multiWriter)

	return nil
}

// NewLoggerWithContext returns a logger tagged with a component name,
// sharing the configured outputs.
func NewLoggerWithContext(component string) log.Logger {
	l := log.DefaultLogger
	l.Writer = sharedWriter
	l.Context = log.NewContext(nil).Str("module", component).Value()
	return l
}

func GetEngineLogger() log.Logger {
	return modEngineLogger
}

func GetBrokerLogger() log.Logger {
	return modBrokerLogger
}

func GetTransportLogger() log.Logger {
	return modTransportLogger
}

func GetDSULogger() log.Logger {
	return modDSULogger
}

func GetDMCLogger() log.Logger {
	return modDMCLogger
}

func GetSPELogger() log.Logger {
	return modSPELogger
}
