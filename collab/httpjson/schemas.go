package httpjson

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Response schemas of the collaborator endpoints.
const (
	classifySchema = `{
  "type": "object",
  "required": ["title", "question_type"],
  "properties": {
    "title": {"type": "string"},
    "question_type": {"type": "string", "enum": ["computational", "static"]},
    "topics": {"type": "array", "items": {"type": "string"}}
  }
}`

	contentSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": {"type": "string", "minLength": 1}
  }
}`

	examplesSchema = `{
  "type": "object",
  "required": ["examples"],
  "properties": {
    "examples": {"type": "array", "items": {"type": "string"}}
  }
}`

	discrepanciesSchema = `{
  "type": "object",
  "required": ["discrepancies"],
  "properties": {
    "discrepancies": {"type": "array", "items": {"type": "string"}}
  }
}`
)

type schemas struct {
	classify      *gojsonschema.Schema
	content       *gojsonschema.Schema
	examples      *gojsonschema.Schema
	discrepancies *gojsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compile := func(name, src string) (*gojsonschema.Schema, error) {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		return s, nil
	}

	var s schemas
	var err error
	if s.classify, err = compile("classify", classifySchema); err != nil {
		return nil, err
	}
	if s.content, err = compile("content", contentSchema); err != nil {
		return nil, err
	}
	if s.examples, err = compile("examples", examplesSchema); err != nil {
		return nil, err
	}
	if s.discrepancies, err = compile("discrepancies", discrepanciesSchema); err != nil {
		return nil, err
	}
	return &s, nil
}
