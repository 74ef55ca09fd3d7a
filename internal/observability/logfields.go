package observability

import (
	"fmt"
	"strings"

	"example.com/exceptions/internal/event"
)

// EventFields renders the identifying fields of an event for log lines so
// every message about an event carries the same correlation context.
func EventFields(evt event.Event) string {
	fields := []string{
		fmt.Sprintf("event_id=%s", evt.EventID),
		fmt.Sprintf("event_type=%s", evt.EventType),
		fmt.Sprintf("tenant_id=%s", evt.TenantID),
	}
	if evt.ExceptionID != "" {
		fields = append(fields, fmt.Sprintf("exception_id=%s", evt.ExceptionID))
	}
	if evt.CorrelationID != "" {
		fields = append(fields, fmt.Sprintf("correlation_id=%s", evt.CorrelationID))
	}
	return strings.Join(fields, " ")
}
