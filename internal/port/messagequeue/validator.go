package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cscx-ai/agentd/internal/domain/event"
)

// Validate checks that data is a well-formed event envelope for the given
// subject and that its payload matches the subject's schema. Unknown
// subjects pass validation (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed envelope on %s: %w", subject, err)
	}
	if env.Type != "" && string(env.Type) != subject {
		return fmt.Errorf("envelope type %s does not match subject %s", env.Type, subject)
	}

	// Map subject group to payload struct for structural validation.
	var target any
	switch {
	case strings.HasPrefix(subject, "executions."):
		target = &ExecutionLifecyclePayload{}
	case subject == string(event.TypeApprovalRequested):
		target = &ApprovalRequestedPayload{}
	case subject == string(event.TypeApprovalResolved), subject == string(event.TypeApprovalExpired):
		target = &ApprovalResolvedPayload{}
	case subject == string(event.TypeBreakerStateChanged):
		target = &BreakerStatePayload{}
	case subject == string(event.TypeIntentClassified):
		target = &IntentClassifiedPayload{}
	default:
		return nil
	}

	if len(env.Payload) == 0 {
		return fmt.Errorf("missing payload on subject %s", subject)
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
