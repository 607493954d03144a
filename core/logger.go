package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ProductionLogger writes structured logs for the service.
//
// Output is JSON when running in Kubernetes (or when format is "json") and
// a human-readable single line otherwise. Error entries are rate limited so
// a failing dependency cannot flood the output.
type ProductionLogger struct {
	level       string
	format      string
	serviceName string
	component   string
	timeFormat  string

	shared *loggerOutput
}

// loggerOutput is shared between a logger and the component loggers
// derived from it.
type loggerOutput struct {
	mu           sync.Mutex
	out          io.Writer
	errorLimiter *rate.Limiter
	dropped      int
}

var logLevels = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

// NewProductionLogger creates a logger from the logging configuration.
func NewProductionLogger(cfg LoggingConfig, serviceName string) *ProductionLogger {
	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		}
	}

	level := strings.ToUpper(cfg.Level)
	if _, ok := logLevels[level]; !ok {
		level = "INFO"
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}

	limit := rate.Inf
	if cfg.ErrorsPerSecond > 0 {
		limit = rate.Limit(cfg.ErrorsPerSecond)
	}
	burst := cfg.ErrorsPerSecond * 2
	if burst < 1 {
		burst = 1
	}

	return &ProductionLogger{
		level:       level,
		format:      format,
		serviceName: serviceName,
		timeFormat:  timeFormat,
		shared: &loggerOutput{
			out:          out,
			errorLimiter: rate.NewLimiter(limit, burst),
		},
	}
}

// WithComponent returns a logger that tags entries with component.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		level:       l.level,
		format:      l.format,
		serviceName: l.serviceName,
		component:   component,
		timeFormat:  l.timeFormat,
		shared:      l.shared,
	}
}

// SetOutput changes the output writer (useful for testing)
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	l.shared.out = w
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(context.Background(), "INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(context.Background(), "WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(context.Background(), "ERROR", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(context.Background(), "DEBUG", msg, fields)
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, "INFO", msg, fields)
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, "WARN", msg, fields)
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, "ERROR", msg, fields)
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, "DEBUG", msg, fields)
}

func (l *ProductionLogger) log(ctx context.Context, level, msg string, fields map[string]interface{}) {
	if logLevels[level] < logLevels[l.level] {
		return
	}

	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()

	if level == "ERROR" && !l.shared.errorLimiter.Allow() {
		l.shared.dropped++
		return
	}

	entry := make(map[string]interface{}, len(fields)+6)
	for k, v := range fields {
		entry[k] = v
	}
	if l.shared.dropped > 0 && level == "ERROR" {
		entry["dropped_errors"] = l.shared.dropped
		l.shared.dropped = 0
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			entry["trace_id"] = sc.TraceID().String()
			entry["span_id"] = sc.SpanID().String()
		}
	}

	timestamp := time.Now().Format(l.timeFormat)
	if l.format == "json" {
		l.writeJSON(timestamp, level, msg, entry)
		return
	}
	l.writeText(timestamp, level, msg, entry)
}

func (l *ProductionLogger) writeJSON(timestamp, level, msg string, entry map[string]interface{}) {
	entry["timestamp"] = timestamp
	entry["level"] = level
	entry["service"] = l.serviceName
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range entry {
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.shared.out, `{"level":"ERROR","message":"log marshal failed","error":%q}`+"\n", err.Error())
		return
	}
	fmt.Fprintln(l.shared.out, string(data))
}

func (l *ProductionLogger) writeText(timestamp, level, msg string, entry map[string]interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] ", timestamp, level)
	if l.component != "" {
		fmt.Fprintf(&b, "[%s] ", l.component)
	}
	b.WriteString(msg)

	// error first, then sorted keys for stable output
	if v, ok := entry["error"]; ok {
		fmt.Fprintf(&b, " error=%q", fmt.Sprint(v))
		delete(entry, "error")
	}
	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}

	fmt.Fprintln(l.shared.out, b.String())
}
