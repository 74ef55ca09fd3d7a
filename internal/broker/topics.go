package broker

import (
	"fmt"
	"strings"
)

// Base topic names shared by every tenant under the shared strategy.
const (
	TopicExceptions   = "exceptions"
	TopicSLA          = "sla"
	TopicPlaybooks    = "playbooks"
	TopicTools        = "tools"
	TopicBackpressure = "backpressure"
)

// BaseTopics lists every topic the pipeline uses.
func BaseTopics() []string {
	return []string{TopicExceptions, TopicSLA, TopicPlaybooks, TopicTools, TopicBackpressure}
}

// TopicStrategy resolves the physical topic for a (base topic, tenant) pair.
// Shared keeps one topic per concern with tenant validation in code;
// PerTenant appends the tenant id for broker-level ACL isolation. Both sit
// behind the same worker contract, so switching is a configuration change.
type TopicStrategy string

const (
	StrategyShared    TopicStrategy = "shared"
	StrategyPerTenant TopicStrategy = "per-tenant"
)

// ParseTopicStrategy normalises a configuration string.
func ParseTopicStrategy(value string) (TopicStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(StrategyShared):
		return StrategyShared, nil
	case string(StrategyPerTenant), "per_tenant":
		return StrategyPerTenant, nil
	default:
		return "", fmt.Errorf("unknown topic strategy %q", value)
	}
}

// TopicFor returns the physical topic name for the tenant.
func (s TopicStrategy) TopicFor(base, tenantID string) string {
	if s == StrategyPerTenant && tenantID != "" {
		return fmt.Sprintf("%s.%s", base, tenantID)
	}
	return base
}

// TenantFromTopic extracts the tenant suffix from a per-tenant topic name.
// Under the shared strategy it returns the empty string.
func (s TopicStrategy) TenantFromTopic(topic string) string {
	if s != StrategyPerTenant {
		return ""
	}
	idx := strings.LastIndex(topic, ".")
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}
