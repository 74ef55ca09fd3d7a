// Package worker provides the base framework every pipeline worker runs on:
// consume loop, schema and tenant gates, idempotency, bounded concurrency,
// metrics, and the per-process health surface.
package worker

import (
	"fmt"

	"example.com/exceptions/internal/broker"
)

// Worker types recognised by the runner.
const (
	TypeIntake     = "intake"
	TypeTriage     = "triage"
	TypePolicy     = "policy"
	TypePlaybook   = "playbook"
	TypeTool       = "tool"
	TypeFeedback   = "feedback"
	TypeSLAMonitor = "sla_monitor"
)

// healthPorts assigns each worker type its health/metrics port.
var healthPorts = map[string]int{
	TypeIntake:     9001,
	TypeTriage:     9002,
	TypePolicy:     9003,
	TypePlaybook:   9004,
	TypeTool:       9005,
	TypeFeedback:   9006,
	TypeSLAMonitor: 9007,
}

// defaultTopics maps each worker type to the topics it consumes under the
// shared strategy.
var defaultTopics = map[string][]string{
	TypeIntake:     {broker.TopicExceptions},
	TypeTriage:     {broker.TopicExceptions},
	TypePolicy:     {broker.TopicExceptions},
	TypePlaybook:   {broker.TopicPlaybooks, broker.TopicExceptions},
	TypeTool:       {broker.TopicTools},
	TypeFeedback:   {broker.TopicExceptions, broker.TopicTools},
	TypeSLAMonitor: {broker.TopicSLA},
}

// ValidType reports whether the worker type is known.
func ValidType(workerType string) bool {
	_, ok := healthPorts[workerType]
	return ok
}

// HealthPort returns the port assigned to the worker type.
func HealthPort(workerType string) (int, error) {
	port, ok := healthPorts[workerType]
	if !ok {
		return 0, fmt.Errorf("unknown worker type %q", workerType)
	}
	return port, nil
}

// DefaultTopics returns the topics a worker type consumes by default.
func DefaultTopics(workerType string) []string {
	return append([]string(nil), defaultTopics[workerType]...)
}
