package scenario

import (
	"github.com/tidwall/gjson"
)

// SchemaProperty is one property of an object JSON schema.
type SchemaProperty struct {
	Name        string
	Type        string
	Description string
	Default     string
	HasDefault  bool
}

// ObjectSchema is the subset of a JSON schema that drives tool ports.
type ObjectSchema struct {
	Properties []SchemaProperty
	Required   []string
}

// ParseObjectSchema reads properties (in declaration order) and required
// names from a JSON schema string. Malformed input yields an empty schema.
func ParseObjectSchema(src string) ObjectSchema {
	var s ObjectSchema
	if !gjson.Valid(src) {
		return s
	}
	root := gjson.Parse(src)
	if !root.IsObject() {
		return s
	}

	seen := make(map[string]bool)
	root.Get("properties").ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if name == "" || seen[name] {
			return true
		}
		seen[name] = true
		p := SchemaProperty{
			Name:        name,
			Type:        value.Get("type").String(),
			Description: value.Get("description").String(),
		}
		if def := value.Get("default"); def.Exists() {
			p.HasDefault = true
			if def.Type == gjson.String {
				p.Default = def.String()
			} else {
				p.Default = def.Raw
			}
		}
		s.Properties = append(s.Properties, p)
		return true
	})

	for _, r := range root.Get("required").Array() {
		if r.Type == gjson.String && r.String() != "" {
			s.Required = append(s.Required, r.String())
		}
	}
	return s
}
