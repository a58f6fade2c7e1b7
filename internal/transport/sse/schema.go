package sse

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

type bodySchemaRegistry struct {
	once    sync.Once
	initErr error
	schemas map[string]*jsonschema.Schema
}

var bodySchemas bodySchemaRegistry

const (
	bodySend      = "send"
	bodyInvoke    = "invoke"
	bodySubscribe = "subscribe"
	bodySession   = "session"
	bodyChannel   = "channel"
	bodyPublish   = "publish"
)

func initBodySchemas() error {
	bodySchemas.once.Do(func() {
		sources := map[string]string{
			bodySend:      strings.Replace(sendBodySchema, "MESSAGE", protocol.MessageSchema, 1),
			bodyInvoke:    invokeBodySchema,
			bodySubscribe: subscribeBodySchema,
			bodySession:   sessionBodySchema,
			bodyChannel:   channelBodySchema,
			bodyPublish:   publishBodySchema,
		}
		bodySchemas.schemas = make(map[string]*jsonschema.Schema, len(sources))
		for name, source := range sources {
			compiled, err := jsonschema.CompileString("sse_body_"+name, source)
			if err != nil {
				bodySchemas.initErr = fmt.Errorf("compile %s body schema: %w", name, err)
				return
			}
			bodySchemas.schemas[name] = compiled
		}
	})
	return bodySchemas.initErr
}

// validateBody checks raw against the named schema and decodes it into out.
// Every failure is an invalid_request error.
func validateBody(name string, raw []byte, out any) error {
	if err := initBodySchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "malformed JSON body: %v", err)
	}
	if err := bodySchemas.schemas[name].Validate(payload); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)
	}
	return nil
}

const sendBodySchema = `{
  "type": "object",
  "required": ["sessionId", "message"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "message": MESSAGE
  },
  "additionalProperties": false
}`

const invokeBodySchema = `{
  "type": "object",
  "required": ["method"],
  "properties": {
    "method": { "type": "string", "minLength": 1 },
    "params": {},
    "clientId": { "type": "string" }
  },
  "additionalProperties": false
}`

const subscribeBodySchema = `{
  "type": "object",
  "anyOf": [
    { "required": ["clientId"] },
    { "required": ["connectionId"] }
  ],
  "properties": {
    "clientId": { "type": "string", "minLength": 1 },
    "connectionId": { "type": "string", "minLength": 1 },
    "sessionId": { "type": "string", "minLength": 1 },
    "add": { "type": "array", "items": { "type": "string", "minLength": 1 } },
    "remove": { "type": "array", "items": { "type": "string", "minLength": 1 } }
  },
  "additionalProperties": false
}`

const sessionBodySchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const channelBodySchema = `{
  "type": "object",
  "required": ["sessionId", "channel", "clientId"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "channel": { "type": "string", "minLength": 1 },
    "clientId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const publishBodySchema = `{
  "type": "object",
  "required": ["sessionId", "channel"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "channel": { "type": "string", "minLength": 1 },
    "event": { "type": "string", "minLength": 1 },
    "payload": {},
    "clientId": { "type": "string" }
  },
  "additionalProperties": false
}`
