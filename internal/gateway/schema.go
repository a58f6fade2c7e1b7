package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

type paramSchemaRegistry struct {
	once    sync.Once
	initErr error
	methods map[string]*jsonschema.Schema
}

var paramSchemas paramSchemaRegistry

func initParamSchemas() error {
	paramSchemas.once.Do(func() {
		methods := map[string]string{
			methodSend:               strings.Replace(sendParamsSchema, "MESSAGE", protocol.MessageSchema, 1),
			methodAbort:              sessionParamsSchema,
			methodHistory:            historyParamsSchema,
			methodReset:              sessionParamsSchema,
			methodClose:              sessionParamsSchema,
			methodStatus:             statusParamsSchema,
			methodListApps:           emptyParamsSchema,
			methodListSessions:       listSessionsParamsSchema,
			methodSubscribe:          sessionParamsSchema,
			methodUnsubscribe:        sessionParamsSchema,
			methodPing:               emptyParamsSchema,
			methodToolResult:         toolResultParamsSchema,
			methodChannelSubscribe:   channelParamsSchema,
			methodChannelUnsubscribe: channelParamsSchema,
			methodChannelPublish:     channelPublishParamsSchema,
		}

		paramSchemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("params_"+name, schema)
			if err != nil {
				paramSchemas.initErr = fmt.Errorf("compile %s params schema: %w", name, err)
				return
			}
			paramSchemas.methods[name] = compiled
		}
	})
	return paramSchemas.initErr
}

// validateBuiltinParams checks params for a built-in method. Methods without
// a schema pass.
func validateBuiltinParams(method string, params json.RawMessage) error {
	if err := initParamSchemas(); err != nil {
		return err
	}
	schema := paramSchemas.methods[method]
	if schema == nil {
		return nil
	}
	return validateParams(schema, params)
}

func validateParams(schema *jsonschema.Schema, params json.RawMessage) error {
	var payload any
	if len(params) == 0 || string(params) == "null" {
		payload = map[string]any{}
	} else if err := json.Unmarshal(params, &payload); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "malformed params: %v", err)
	}
	if err := schema.Validate(payload); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)
	}
	return nil
}

const emptyParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const sendParamsSchema = `{
  "type": "object",
  "required": ["sessionId", "message"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "message": MESSAGE,
    "runId": { "type": "string", "minLength": 1, "maxLength": 128 }
  },
  "additionalProperties": false
}`

const sessionParamsSchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const historyParamsSchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": false
}`

const statusParamsSchema = `{
  "type": "object",
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const listSessionsParamsSchema = `{
  "type": "object",
  "properties": {
    "appId": { "type": "string" },
    "activeOnly": { "type": "boolean" }
  },
  "additionalProperties": false
}`

const toolResultParamsSchema = `{
  "type": "object",
  "required": ["sessionId", "result"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "result": {
      "type": "object",
      "required": ["toolUseId"],
      "properties": {
        "toolUseId": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "content": {},
        "isError": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

const channelParamsSchema = `{
  "type": "object",
  "required": ["sessionId", "channel"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "channel": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const channelPublishParamsSchema = `{
  "type": "object",
  "required": ["sessionId", "channel"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "channel": { "type": "string", "minLength": 1 },
    "event": { "type": "string", "minLength": 1 },
    "payload": {}
  },
  "additionalProperties": false
}`
