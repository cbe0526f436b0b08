package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ServiceMessage is reported by the liveness endpoint.
const ServiceMessage = "Gemini Proxy Server is running"

// HealthResponse is the fixed liveness payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Health returns the liveness payload.
func Health() HealthResponse {
	return HealthResponse{Status: "ok", Message: ServiceMessage}
}

// Content is one opaque turn of the upstream payload. Values are kept as raw JSON
// and never inspected. Encode re-emits them compacted, with object keys sorted
// and without HTML escaping.
type Content map[string]json.RawMessage

// GenerateRequest is the body accepted by the generate endpoint and forwarded upstream.
// The order of Contents is the conversation order and is preserved.
type GenerateRequest struct {
	Contents []Content `json:"contents"`
}

var jsonNull = []byte("null")

// DecodeGenerateRequest reads and validates a request body. Unknown top-level
// fields are ignored. All failures are *RelayError values of KindValidation.
func DecodeGenerateRequest(r io.Reader) (*GenerateRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseGenerateRequest(data)
}

// ParseGenerateRequest validates an in-memory request body.
func ParseGenerateRequest(data []byte) (*GenerateRequest, error) {
	if !json.Valid(data) {
		return nil, NewValidationError(FieldError{
			Loc:  []any{"body"},
			Msg:  describeSyntaxError(data),
			Type: "value_error.jsondecode",
		})
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil || top == nil {
		return nil, NewValidationError(FieldError{
			Loc:  []any{"body"},
			Msg:  "value is not a valid dict",
			Type: "type_error.dict",
		})
	}

	rawContents, ok := top["contents"]
	if !ok {
		return nil, NewValidationError(FieldError{
			Loc:  []any{"body", "contents"},
			Msg:  "field required",
			Type: "value_error.missing",
		})
	}
	if isNull(rawContents) {
		return nil, NewValidationError(FieldError{
			Loc:  []any{"body", "contents"},
			Msg:  "none is not an allowed value",
			Type: "type_error.none.not_allowed",
		})
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawContents, &items); err != nil {
		return nil, NewValidationError(FieldError{
			Loc:  []any{"body", "contents"},
			Msg:  "value is not a valid list",
			Type: "type_error.list",
		})
	}

	req := &GenerateRequest{Contents: make([]Content, 0, len(items))}
	var problems []FieldError
	for i, item := range items {
		var c Content
		if isNull(item) || json.Unmarshal(item, &c) != nil {
			problems = append(problems, FieldError{
				Loc:  []any{"body", "contents", i},
				Msg:  "value is not a valid dict",
				Type: "type_error.dict",
			})
			continue
		}
		req.Contents = append(req.Contents, c)
	}
	if len(problems) > 0 {
		return nil, NewValidationError(problems...)
	}

	return req, nil
}

// Encode serialises the request for the upstream call.
func (r *GenerateRequest) Encode() ([]byte, error) {
	contents := r.Contents
	if contents == nil {
		contents = []Content{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(GenerateRequest{Contents: contents}); err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

func describeSyntaxError(data []byte) string {
	if len(bytes.TrimSpace(data)) == 0 {
		return "field required"
	}
	var v any
	err := json.Unmarshal(data, &v)
	if err == nil {
		return "invalid JSON"
	}
	return err.Error()
}
