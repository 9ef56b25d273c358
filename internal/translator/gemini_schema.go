package translator

// Gemini's function-declaration schema dialect rejects most JSON-Schema
// keywords. CleanSchemaForGemini strips them recursively so tool
// declarations survive the trip.

var unsupportedSchemaConstraints = map[string]bool{
	"minLength":            true,
	"maxLength":            true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
	"pattern":              true,
	"minItems":             true,
	"maxItems":             true,
	"format":               true,
	"default":              true,
	"examples":             true,
	"$schema":              true,
	"$defs":                true,
	"definitions":          true,
	"const":                true,
	"$ref":                 true,
	"additionalProperties": true,
	"propertyNames":        true,
	"patternProperties":    true,
	"anyOf":                true,
	"oneOf":                true,
	"allOf":                true,
	"not":                  true,
	"dependencies":         true,
	"dependentSchemas":     true,
	"dependentRequired":    true,
	"title":                true,
	"if":                   true,
	"then":                 true,
	"else":                 true,
	"contentMediaType":     true,
	"contentEncoding":      true,
}

// CleanSchemaForGemini returns a schema with every unsupported keyword
// removed. anyOf/oneOf collapse to their first non-null branch, type
// arrays like ["string","null"] coalesce to the first non-null entry,
// required entries without a matching property are dropped, and empty
// object schemas get a placeholder property so Gemini accepts them.
// The function is idempotent.
func CleanSchemaForGemini(schema any) any {
	cleaned := cleanSchemaValue(schema)
	if cleaned == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return cleaned
}

func cleanSchemaValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cleanSchemaObject(v)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, cleanSchemaValue(item))
		}
		return out
	default:
		return value
	}
}

func cleanSchemaObject(schema map[string]any) map[string]any {
	// Flatten anyOf/oneOf to the first branch that is not {"type":"null"},
	// repeating until no union remains: a merged branch may itself carry a
	// nested union.
	for {
		key := ""
		if _, ok := schema["anyOf"].([]any); ok {
			key = "anyOf"
		} else if _, ok := schema["oneOf"].([]any); ok {
			key = "oneOf"
		}
		if key == "" {
			break
		}

		var branchMap map[string]any
		for _, branch := range schema[key].([]any) {
			m, isMap := branch.(map[string]any)
			if !isMap {
				continue
			}
			if t, _ := m["type"].(string); t == "null" {
				continue
			}
			branchMap = m
			break
		}
		if branchMap == nil {
			break
		}

		merged := make(map[string]any, len(schema)+len(branchMap))
		for k, val := range schema {
			if k != key {
				merged[k] = val
			}
		}
		for k, val := range branchMap {
			merged[k] = val
		}
		schema = merged
	}

	out := make(map[string]any, len(schema))
	for key, value := range schema {
		if unsupportedSchemaConstraints[key] {
			continue
		}
		switch key {
		case "type":
			out[key] = coalesceType(value)
		case "properties":
			if props, ok := value.(map[string]any); ok {
				cleanedProps := make(map[string]any, len(props))
				for name, propSchema := range props {
					cleanedProps[name] = cleanSchemaValue(propSchema)
				}
				out[key] = cleanedProps
			}
		case "items":
			out[key] = cleanSchemaValue(value)
		case "required":
			// Deferred until properties are known.
			out[key] = value
		case "enum", "description", "nullable":
			out[key] = value
		default:
			out[key] = cleanSchemaValue(value)
		}
	}

	// Drop required names that no longer exist under properties.
	if required, ok := out["required"].([]any); ok {
		props, _ := out["properties"].(map[string]any)
		kept := make([]any, 0, len(required))
		for _, name := range required {
			nameStr, isStr := name.(string)
			if !isStr {
				continue
			}
			if _, exists := props[nameStr]; exists {
				kept = append(kept, nameStr)
			}
		}
		if len(kept) > 0 {
			out["required"] = kept
		} else {
			delete(out, "required")
		}
	}

	// Gemini rejects object schemas with no properties at all.
	if t, _ := out["type"].(string); t == "object" {
		props, ok := out["properties"].(map[string]any)
		if !ok || len(props) == 0 {
			out["properties"] = map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Reasoning for the call",
				},
			}
		}
	}

	return out
}

// coalesceType reduces a type array such as ["string","null"] to its first
// non-null member.
func coalesceType(value any) any {
	types, ok := value.([]any)
	if !ok {
		return value
	}
	for _, t := range types {
		if s, isStr := t.(string); isStr && s != "null" {
			return s
		}
	}
	if len(types) > 0 {
		return types[0]
	}
	return "string"
}
