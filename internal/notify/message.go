package notify

import (
	"fmt"
	"strings"
	"time"
)

// FormatDownMessage creates a source-down notification body.
func FormatDownMessage(stream, source string, failures int, cause error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Stream: %s\n", stream))
	sb.WriteString(fmt.Sprintf("Source: %s\n", source))
	sb.WriteString(fmt.Sprintf("Consecutive failures: %d", failures))

	if cause != nil {
		sb.WriteString(fmt.Sprintf("\n\nLast error: %v", cause))
	}

	return sb.String()
}

// FormatRecoveredMessage creates a recovery notification body.
func FormatRecoveredMessage(stream, source string, downtime time.Duration) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Stream: %s\n", stream))
	sb.WriteString(fmt.Sprintf("Source: %s\n", source))
	sb.WriteString(fmt.Sprintf("Downtime: %s", downtime.Round(time.Second)))

	return sb.String()
}
