package contract

// FindingsSchema: 远端结构化结果的 JSON Schema（draft-07）。
// PromptBuilder 以 json_schema 消息下发；Decoder 用于校验响应。
const FindingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["findings", "impression", "recommendations", "confidence", "suspicion_level"],
  "properties": {
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description", "location", "severity"],
        "properties": {
          "description": {"type": "string", "minLength": 1},
          "location": {"type": "string"},
          "severity": {"type": "string"},
          "slice_index": {"type": "integer", "minimum": 0}
        }
      }
    },
    "impression": {"type": "string"},
    "recommendations": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 100},
    "suspicion_level": {"enum": ["benign", "indeterminate", "suspicious", "highly_suspicious"]}
  }
}`
