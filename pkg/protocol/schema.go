package protocol

// MessageSchema is the JSON Schema for a models.Message. It is embedded in
// the send parameter and request body schemas on both transports.
const MessageSchema = `{
  "type": "object",
  "required": ["role", "content"],
  "properties": {
    "role": { "enum": ["user", "assistant", "system", "tool"] },
    "content": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": { "type": "string", "minLength": 1 },
          "text": { "type": "string" },
          "url": { "type": "string" },
          "mimeType": { "type": "string" },
          "data": { "type": "string" }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`
