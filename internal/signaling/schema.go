package signaling

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/envelope.json
var envelopeSchema []byte

const envelopeSchemaURL = "envelope.json"

var (
	compiledEnvelope *jsonschema.Schema
	compileOnce      sync.Once
	compileErr       error
)

func envelope() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(envelopeSchemaURL, bytes.NewReader(envelopeSchema)); err != nil {
			compileErr = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		compiledEnvelope, compileErr = compiler.Compile(envelopeSchemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("compile envelope schema: %w", compileErr)
		}
	})
	return compiledEnvelope, compileErr
}

// ValidateFrame checks a raw frame against the envelope schema. It is the
// relay's gate before Decode; field-level rules stay in Validate.
func ValidateFrame(data []byte) error {
	schema, err := envelope()
	if err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return nil
}

// DecodeFrame validates data against the envelope schema and decodes it.
func DecodeFrame(data []byte) (*Message, error) {
	if err := ValidateFrame(data); err != nil {
		return nil, err
	}
	return Decode(data)
}
