package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// FunctionSchema is a tool described in the function-calling dialect of chat models.
type FunctionSchema struct {
	Name        string
	Description string
	Parameters  Parameters

	// Degraded lists the parts of the source schema that could not be interpreted and were replaced
	// by a fallback. It is not serialized.
	Degraded []Degradation
}

// Parameters is the object schema of a function's arguments. Properties keep the order of the source
// schema, and Required only names declared properties.
type Parameters struct {
	Properties []Property
	Required   []string
}

// Property is one function argument.
type Property struct {
	Name        string
	Type        string
	Description string
}

// Degradation records a fallback taken while translating a tool schema.
type Degradation struct {
	Tool      string
	Parameter string
	Reason    string
}

// FunctionTool is the envelope a chat model expects in its list of tools.
type FunctionTool struct {
	Type     string         `json:"type"`
	Function FunctionSchema `json:"function"`
}

type objectField struct {
	key   string
	value json.RawMessage
}

var (
	errNotObject = errors.New("not a JSON object")

	knownTypes = map[string]string{
		"string":  "string",
		"number":  "number",
		"integer": "number",
		"boolean": "boolean",
		"object":  "object",
		"array":   "array",
	}
)

// Translate converts a tool descriptor into a FunctionSchema. It never fails: anything it cannot
// interpret falls back to a permissive form, and is recorded in FunctionSchema.Degraded.
//
// Both the structured form, a JSON Schema object with "properties" and "required", and the flat
// legacy form, a JSON array of {name, type, description, required}, are accepted.
func Translate(desc ToolDescriptor) FunctionSchema {
	fs := FunctionSchema{
		Name:        desc.Name,
		Description: desc.Description,
	}

	raw := bytes.TrimSpace(desc.InputSchema)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '{':
		translateStructured(&fs, raw)
	case raw[0] == '[':
		translateLegacy(&fs, raw)
	default:
		fs.degrade("", "unrecognized schema shape")
	}

	return fs
}

// TranslateAll translates every descriptor. Names are unique in the result: a descriptor whose
// name was already translated is skipped.
func TranslateAll(descs []ToolDescriptor) []FunctionSchema {
	seen := make(map[string]bool, len(descs))
	schemas := make([]FunctionSchema, 0, len(descs))
	for _, desc := range descs {
		if seen[desc.Name] {
			slog.Default().Warn("skipping duplicate tool",
				slog.String("package", "bridge"),
				slog.String("tool", desc.Name))
			continue
		}
		seen[desc.Name] = true
		schemas = append(schemas, Translate(desc))
	}
	return schemas
}

// Tool wraps the schema in the function tool envelope.
func (f FunctionSchema) Tool() FunctionTool {
	return FunctionTool{Type: "function", Function: f}
}

// MarshalJSON encodes the schema as {name, description, parameters}.
func (f FunctionSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name        string     `json:"name"`
		Description string     `json:"description"`
		Parameters  Parameters `json:"parameters"`
	}{f.Name, f.Description, f.Parameters})
}

// MarshalJSON encodes the parameters as a JSON Schema object, keeping property order.
func (p Parameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"object","properties":{`)
	for i, prop := range p.Properties {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(prop.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		}{prop.Type, prop.Description})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteString(`},"required":`)

	required := p.Required
	if required == nil {
		required = []string{}
	}
	req, err := json.Marshal(required)
	if err != nil {
		return nil, err
	}
	buf.Write(req)
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// PropertyNames returns the parameter names in order.
func (p Parameters) PropertyNames() []string {
	names := make([]string, len(p.Properties))
	for i, prop := range p.Properties {
		names[i] = prop.Name
	}
	return names
}

func (d Degradation) String() string {
	if d.Parameter == "" {
		return fmt.Sprintf("tool %q: %s", d.Tool, d.Reason)
	}
	return fmt.Sprintf("tool %q, parameter %q: %s", d.Tool, d.Parameter, d.Reason)
}

func translateStructured(fs *FunctionSchema, raw []byte) {
	fields, err := decodeObject(raw)
	if err != nil {
		fs.degrade("", fmt.Sprintf("unparseable schema: %s", err))
		return
	}

	var rawProps, rawRequired json.RawMessage
	for _, f := range fields {
		switch f.key {
		case "properties":
			rawProps = f.value
		case "required":
			rawRequired = f.value
		}
	}

	if len(rawProps) > 0 && !isNull(rawProps) {
		props, err := decodeObject(rawProps)
		if err != nil {
			fs.degrade("", fmt.Sprintf("properties: %s", err))
		}
		for _, p := range props {
			fs.addProperty(p.key, propertyFromSchema(fs, p.key, p.value))
		}
	}

	if len(rawRequired) > 0 && !isNull(rawRequired) {
		var required []json.RawMessage
		if err := json.Unmarshal(rawRequired, &required); err != nil {
			fs.degrade("", "required is not a list of names")
			return
		}
		for i, rawName := range required {
			var name string
			if err := json.Unmarshal(rawName, &name); err != nil {
				fs.degrade("", fmt.Sprintf("required entry #%d is not a name", i))
				continue
			}
			fs.require(name)
		}
	}
}

func translateLegacy(fs *FunctionSchema, raw []byte) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		fs.degrade("", fmt.Sprintf("unparseable parameter list: %s", err))
		return
	}

	for i, rawParam := range params {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(rawParam, &fields); err != nil || fields == nil {
			fs.degrade(fmt.Sprintf("#%d", i), "malformed parameter entry")
			continue
		}
		var name string
		if err := json.Unmarshal(fields["name"], &name); err != nil || name == "" {
			fs.degrade(fmt.Sprintf("#%d", i), "parameter entry has no name")
			continue
		}
		if !fs.addProperty(name, propertyFromFields(fs, name, fields)) {
			continue
		}

		var required bool
		if raw, ok := fields["required"]; ok && !isNull(raw) {
			if err := json.Unmarshal(raw, &required); err != nil {
				fs.degrade(name, "required is not a boolean")
			}
		}
		if required {
			fs.require(name)
		}
	}
}

func propertyFromSchema(fs *FunctionSchema, name string, raw json.RawMessage) Property {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		fs.degrade(name, "property schema is not an object")
		return Property{Name: name, Type: "string", Description: describe(name, "", "")}
	}
	return propertyFromFields(fs, name, fields)
}

// propertyFromFields builds a property from the fields of a structured property schema or of a
// legacy parameter entry. A field of the wrong kind is ignored and recorded, never the whole property.
func propertyFromFields(fs *FunctionSchema, name string, fields map[string]json.RawMessage) Property {
	var typ any
	if raw, ok := fields["type"]; ok {
		_ = json.Unmarshal(raw, &typ)
	}
	if typ == nil {
		// A union expressed with anyOf or oneOf takes its first recognized member.
		typ = unionType(fs, name, fields["anyOf"], fields["oneOf"])
	}

	return Property{
		Name:        name,
		Type:        fs.resolveType(name, typ),
		Description: describe(name, fs.stringField(name, fields, "description"), fs.stringField(name, fields, "title")),
	}
}

func unionType(fs *FunctionSchema, name string, unions ...json.RawMessage) any {
	for _, raw := range unions {
		if len(raw) == 0 || isNull(raw) {
			continue
		}
		var alts []json.RawMessage
		if err := json.Unmarshal(raw, &alts); err != nil {
			fs.degrade(name, "union is not a list of schemas")
			continue
		}
		for _, alt := range alts {
			var member struct {
				Type any `json:"type"`
			}
			if json.Unmarshal(alt, &member) == nil {
				if _, ok := firstKnownType(member.Type); ok {
					return member.Type
				}
			}
		}
	}
	return nil
}

func (fs *FunctionSchema) stringField(param string, fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		fs.degrade(param, key+" is not a string")
		return ""
	}
	return s
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// resolveType maps a declared type to a function-calling type. Absent types become "string" silently;
// unrecognized ones become "string" with a recorded degradation.
func (fs *FunctionSchema) resolveType(param string, declared any) string {
	if declared == nil {
		return "string"
	}
	if t, ok := firstKnownType(declared); ok {
		return t
	}
	fs.degrade(param, fmt.Sprintf("unrecognized type %v", declared))
	return "string"
}

func firstKnownType(declared any) (string, bool) {
	switch v := declared.(type) {
	case string:
		t, ok := knownTypes[v]
		return t, ok
	case []any:
		for _, member := range v {
			if s, ok := member.(string); ok {
				if t, ok := knownTypes[s]; ok {
					return t, true
				}
			}
		}
	}
	return "", false
}

func describe(name, description, title string) string {
	switch {
	case description != "":
		return description
	case title != "":
		return title
	default:
		return "Parameter " + name
	}
}

func (fs *FunctionSchema) addProperty(name string, prop Property) bool {
	for _, p := range fs.Parameters.Properties {
		if p.Name == name {
			fs.degrade(name, "duplicate parameter")
			return false
		}
	}
	fs.Parameters.Properties = append(fs.Parameters.Properties, prop)
	return true
}

func (fs *FunctionSchema) require(name string) {
	known := false
	for _, p := range fs.Parameters.Properties {
		if p.Name == name {
			known = true
			break
		}
	}
	if !known {
		fs.degrade(name, "required parameter is not declared")
		return
	}
	for _, r := range fs.Parameters.Required {
		if r == name {
			fs.degrade(name, "parameter required twice")
			return
		}
	}
	fs.Parameters.Required = append(fs.Parameters.Required, name)
}

func (fs *FunctionSchema) degrade(param, reason string) {
	fs.Degraded = append(fs.Degraded, Degradation{Tool: fs.Name, Parameter: param, Reason: reason})
}

// decodeObject decodes a JSON object into its fields, in document order.
func decodeObject(raw []byte) ([]objectField, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errNotObject
	}

	var fields []objectField
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fields, err
		}
		key, ok := tok.(string)
		if !ok {
			return fields, errNotObject
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return fields, err
		}
		fields = append(fields, objectField{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return fields, err
	}
	return fields, nil
}
