package llm

func envOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func argsOrEmpty(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// splitSchema pulls properties and required out of a JSON Schema object.
// Any other keyword except type is returned in extra.
func splitSchema(schema map[string]any) (props map[string]any, required []string, extra map[string]any) {
	props = map[string]any{}
	for k, v := range schema {
		switch k {
		case "type":
		case "properties":
			if p, ok := v.(map[string]any); ok {
				props = p
			}
		case "required":
			required = stringList(v)
		default:
			if extra == nil {
				extra = map[string]any{}
			}
			extra[k] = v
		}
	}
	return props, required, extra
}

func stringList(v any) []string {
	switch v := v.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s, ok := s.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// objectSchema makes sure a tool schema is a JSON object schema.
func objectSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if _, ok := schema["type"]; !ok {
		out := make(map[string]any, len(schema)+1)
		for k, v := range schema {
			out[k] = v
		}
		out["type"] = "object"
		return out
	}
	return schema
}
