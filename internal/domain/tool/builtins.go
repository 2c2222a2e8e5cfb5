package tool

import "github.com/cscx-ai/agentd/internal/domain/risk"

// Builtins returns the specs for the tools the copilot ships with.
// Risk levels here are the declared baseline; escalation rules may raise
// them per invocation based on the actual input.
func Builtins() []Spec {
	return []Spec{
		{
			Name:        ScheduleMeeting,
			Description: "Schedule a meeting with customer attendees on the shared calendar.",
			Risk:        risk.LevelMedium,
			InputSchema: scheduleMeetingSchema,
		},
		{
			Name:        SendEmail,
			Description: "Send an email to one or more customer contacts.",
			Risk:        risk.LevelHigh,
			InputSchema: sendEmailSchema,
		},
		{
			Name:        CreateDocument,
			Description: "Create a document in the team workspace.",
			Risk:        risk.LevelLow,
			InputSchema: createDocumentSchema,
		},
		{
			Name:        QueryCustomers,
			Description: "Run a read-only query against the customer database.",
			Risk:        risk.LevelLow,
			InputSchema: queryCustomersSchema,
		},
		{
			Name:        UpdateCRM,
			Description: "Write a field on a CRM record.",
			Risk:        risk.LevelHigh,
			InputSchema: updateCRMSchema,
		},
		{
			Name:        SearchKnowledge,
			Description: "Search the internal knowledge base.",
			Risk:        risk.LevelLow,
			InputSchema: searchKnowledgeSchema,
		},
	}
}

const scheduleMeetingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["customer_id", "title", "start_time"],
  "properties": {
    "customer_id": { "type": "string", "minLength": 1 },
    "title": { "type": "string", "minLength": 1 },
    "start_time": { "type": "string", "format": "date-time" },
    "duration_minutes": { "type": "integer", "minimum": 5, "maximum": 480 },
    "attendees": {
      "type": "array",
      "items": { "type": "string", "format": "email" }
    },
    "agenda": { "type": "string" }
  },
  "additionalProperties": false
}`

const sendEmailSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["recipients", "subject", "body"],
  "properties": {
    "recipients": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string", "format": "email" }
    },
    "cc": {
      "type": "array",
      "items": { "type": "string", "format": "email" }
    },
    "subject": { "type": "string", "minLength": 1 },
    "body": { "type": "string", "minLength": 1 },
    "reply_to": { "type": "string", "format": "email" }
  },
  "additionalProperties": false
}`

const createDocumentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["title", "content"],
  "properties": {
    "title": { "type": "string", "minLength": 1 },
    "content": { "type": "string" },
    "folder": { "type": "string" },
    "format": { "type": "string", "enum": ["markdown", "html", "pdf"] }
  },
  "additionalProperties": false
}`

const queryCustomersSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["filter"],
  "properties": {
    "filter": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 200 },
    "fields": {
      "type": "array",
      "items": { "type": "string" }
    }
  },
  "additionalProperties": false
}`

const updateCRMSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["customer_id", "field", "value"],
  "properties": {
    "customer_id": { "type": "string", "minLength": 1 },
    "field": { "type": "string", "minLength": 1 },
    "value": {},
    "amount": { "type": "number" },
    "note": { "type": "string" }
  },
  "additionalProperties": false
}`

const searchKnowledgeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": { "type": "string", "minLength": 2 },
    "top_k": { "type": "integer", "minimum": 1, "maximum": 50 }
  },
  "additionalProperties": false
}`
