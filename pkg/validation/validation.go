// Package validation checks request bodies against the JSON schemas in schemas/.
package validation

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mcclellann/dinheiroRapido/pkg/apperrors"
)

//go:embed schemas/*.schema.json
var schemaFiles embed.FS

// Schema names a request body schema.
type Schema string

const (
	Client     Schema = "client"
	Loan       Schema = "loan"
	Payment    Schema = "payment"
	Settlement Schema = "settlement"
	DueDate    Schema = "due_date"
)

var all = []Schema{Client, Loan, Payment, Settlement, DueDate}

type Validator struct {
	schemas map[Schema]*gojsonschema.Schema
}

// New compiles every schema.
func New() (*Validator, error) {
	v := &Validator{schemas: make(map[Schema]*gojsonschema.Schema, len(all))}
	for _, name := range all {
		data, err := schemaFiles.ReadFile("schemas/" + string(name) + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// Validate checks body against the named schema. Violations are returned as an
// INVALID_INPUT error listing every failed rule.
func (v *Validator) Validate(name Schema, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return apperrors.InvalidInput("request body is not valid JSON").WithDetails(err.Error())
	}
	if res.Valid() {
		return nil
	}
	details := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		details = append(details, e.String())
	}
	return apperrors.InvalidInput("request body does not match the %s schema", name).
		WithDetails(strings.Join(details, "; "))
}
