package telemetry

import (
	"io"
	"log"
	"os"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// logBridgeWriter intercepts log.Printf output, parses a leading [Tag]
// into a structured "component" attribute, and emits an OTel log record
// in addition to writing to stderr as before.
type logBridgeWriter struct {
	stderr io.Writer
	logger otellog.Logger
}

func (w *logBridgeWriter) Write(p []byte) (int, error) {
	n, err := w.stderr.Write(p)

	line := strings.TrimSpace(string(p))
	if line == "" {
		return n, err
	}

	component, body := parseLogLine(line)

	var record otellog.Record
	record.SetTimestamp(time.Now())
	record.SetBody(otellog.StringValue(body))
	record.SetSeverity(otellog.SeverityInfo)
	record.AddAttributes(otellog.String("component", component))

	w.logger.Emit(nil, record) //nolint:staticcheck // fire-and-forget, no caller context available here

	return n, err
}

// parseLogLine extracts a [Tag] prefix from a stdlib log line.
// "2026/02/17 12:00:00 [Gossip] relayed 3 messages" -> component="gossip",
// body="relayed 3 messages". With no recognizable tag, component is
// "general" and body is the line with any stdlib timestamp stripped.
func parseLogLine(line string) (component, body string) {
	stripped := line
	if len(line) > 20 && line[4] == '/' && line[7] == '/' && line[10] == ' ' && line[13] == ':' {
		stripped = strings.TrimSpace(line[20:])
	}

	if len(stripped) > 2 && stripped[0] == '[' {
		end := strings.IndexByte(stripped, ']')
		if end > 1 {
			return strings.ToLower(stripped[1:end]), strings.TrimSpace(stripped[end+1:])
		}
	}

	return "general", stripped
}

// installLogBridge redirects stdlib log output through the OTel bridge.
func installLogBridge(lp *sdklog.LoggerProvider) {
	logger := lp.Logger("omertamesh.log")
	log.SetOutput(&logBridgeWriter{
		stderr: os.Stderr,
		logger: logger,
	})
}
