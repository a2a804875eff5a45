package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"astral-proxy/internal/domain"
)

// ConfigKind tags which shape a ConfigDocument carries.
type ConfigKind int

const (
	// ConfigFull is a whole settings document (CONFIG_UPLOAD, CONFIG_DOWNLOAD).
	ConfigFull ConfigKind = iota + 1
	// ConfigSingleChange is one {key, value} update (CONFIG_CHANGE).
	ConfigSingleChange
)

func (k ConfigKind) String() string {
	switch k {
	case ConfigFull:
		return "full"
	case ConfigSingleChange:
		return "change"
	}
	return "unknown"
}

// ConfigDocument is a validated settings document exchanged with the backend.
// Full documents carry Fields; single changes carry Key and Value.
type ConfigDocument struct {
	Kind   ConfigKind
	Fields map[string]json.RawMessage
	Key    string
	Value  json.RawMessage
}

const fullDocumentSchema = `{
	"type": "object"
}`

const changeDocumentSchema = `{
	"type": "object",
	"required": ["key", "value"],
	"properties": {
		"key": {"type": "string", "minLength": 1}
	}
}`

var (
	schemaOnce   sync.Once
	fullSchema   *jsonschema.Schema
	changeSchema *jsonschema.Schema
	schemaErr    error
)

func compileSchemas() {
	schemaOnce.Do(func() {
		fullSchema, schemaErr = jsonschema.NewCompiler().Compile([]byte(fullDocumentSchema))
		if schemaErr != nil {
			return
		}
		changeSchema, schemaErr = jsonschema.NewCompiler().Compile([]byte(changeDocumentSchema))
	})
}

// EncodeConfigUpload builds CONFIG_UPLOAD from a full document.
func EncodeConfigUpload(doc ConfigDocument) (Frame, error) {
	return encodeConfig(OpConfigUpload, doc)
}

// EncodeConfigDownload builds CONFIG_DOWNLOAD from a full document.
func EncodeConfigDownload(doc ConfigDocument) (Frame, error) {
	return encodeConfig(OpConfigDownload, doc)
}

// EncodeConfigChange builds CONFIG_CHANGE from a single change.
func EncodeConfigChange(doc ConfigDocument) (Frame, error) {
	return encodeConfig(OpConfigChange, doc)
}

func encodeConfig(op Opcode, doc ConfigDocument) (Frame, error) {
	var (
		body []byte
		err  error
	)
	switch doc.Kind {
	case ConfigFull:
		fields := doc.Fields
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
		body, err = json.Marshal(fields)
	case ConfigSingleChange:
		body, err = json.Marshal(struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}{doc.Key, doc.Value})
	default:
		return Frame{}, domain.NewDomainError("protocol.EncodeConfig", domain.ErrEncode, "document kind not set")
	}
	if err != nil {
		return Frame{}, domain.NewDomainError("protocol.EncodeConfig", domain.ErrEncode, err.Error())
	}
	w := &writer{}
	w.str16(string(body))
	return w.frame(op)
}

// DecodeConfigDocument parses CONFIG_DOWNLOAD or CONFIG_UPLOAD.
func DecodeConfigDocument(op Opcode, payload []byte) (ConfigDocument, error) {
	raw, err := readConfigJSON(op, payload, ConfigFull)
	if err != nil {
		return ConfigDocument{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ConfigDocument{}, domain.NewDomainError("protocol.Decode", domain.ErrDecode, fmt.Sprintf("%s: %v", op, err))
	}
	return ConfigDocument{Kind: ConfigFull, Fields: fields}, nil
}

// DecodeConfigChange parses CONFIG_CHANGE.
func DecodeConfigChange(payload []byte) (ConfigDocument, error) {
	raw, err := readConfigJSON(OpConfigChange, payload, ConfigSingleChange)
	if err != nil {
		return ConfigDocument{}, err
	}
	var change struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &change); err != nil {
		return ConfigDocument{}, domain.NewDomainError("protocol.Decode", domain.ErrDecode, fmt.Sprintf("%s: %v", OpConfigChange, err))
	}
	return ConfigDocument{Kind: ConfigSingleChange, Key: change.Key, Value: change.Value}, nil
}

func readConfigJSON(op Opcode, payload []byte, kind ConfigKind) ([]byte, error) {
	r := newReader(op, payload)
	n := int(r.u16("json length"))
	raw := r.bytes(n, "json")
	if r.err != nil {
		return nil, r.err
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, domain.NewDomainError("protocol.Decode", domain.ErrDecode, fmt.Sprintf("%s: invalid json: %v", op, err))
	}

	compileSchemas()
	if schemaErr != nil {
		return nil, domain.NewDomainError("protocol.Decode", domain.ErrDecode, fmt.Sprintf("schema: %v", schemaErr))
	}
	schema := fullSchema
	if kind == ConfigSingleChange {
		schema = changeSchema
	}
	if result := schema.Validate(v); !result.IsValid() {
		return nil, domain.NewDomainError("protocol.Decode", domain.ErrDecode, fmt.Sprintf("%s %s document: %s", op, kind, result.Error()))
	}
	return raw, nil
}
