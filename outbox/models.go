// Package outbox records domain events in the same transaction as the state
// change that caused them and relays them to a message broker afterwards.
package outbox

import (
	"encoding/json"
	"time"
)

// Topics emitted by the domain packages.
const (
	TopicApplicationSubmitted = "agent_application.submitted"
	TopicApplicationApproved  = "agent_application.approved"
	TopicApplicationRejected  = "agent_application.rejected"
	TopicRoleAssigned         = "role.assigned"
	TopicRoleRevoked          = "role.revoked"
	TopicAgentRegistered      = "agent.registered"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message mirrors the outbox table.
type Message struct {
	ID            string
	Topic         string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	ProcessedAt   *time.Time
}

// BatchResult counts the outcomes of one relay pass.
type BatchResult struct {
	Processed int
	Failed    int
	Dead      int
}

// Total is the number of messages the pass claimed.
func (r BatchResult) Total() int {
	return r.Processed + r.Failed + r.Dead
}
