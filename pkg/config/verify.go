package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var embeddedSchema []byte

var compiledSchema = sync.OnceValues(func() (*validator.Schema, error) {
	doc, err := validator.UnmarshalJSON(bytes.NewReader(embeddedSchema))
	if err != nil {
		return nil, fmt.Errorf("parse embedded schema: %w", err)
	}
	c := validator.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add embedded schema: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile embedded schema: %w", err)
	}
	return sch, nil
})

// VerifyDocument checks a YAML configuration document against the embedded JSON schema.
// Every violation is reported as "path: reason", path is dot separated with list indexes in brackets.
func VerifyDocument(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	if doc == nil {
		return nil
	}

	// validator works on JSON values, numbers included
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert document: %w", err)
	}
	inst, err := validator.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("convert document: %w", err)
	}

	err = sch.Validate(inst)
	var verr *validator.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	p := message.NewPrinter(language.English)
	var errs []error
	for _, leaf := range leafErrors(verr) {
		errs = append(errs, fmt.Errorf("%s: %s", instancePath(leaf.InstanceLocation), leaf.ErrorKind.LocalizedString(p)))
	}
	return errors.Join(errs...)
}

// leafErrors flattens the validation tree to the violations themselves
func leafErrors(e *validator.ValidationError) []*validator.ValidationError {
	if len(e.Causes) == 0 {
		return []*validator.ValidationError{e}
	}
	var res []*validator.ValidationError
	for _, c := range e.Causes {
		res = append(res, leafErrors(c)...)
	}
	return res
}

func instancePath(loc []string) string {
	if len(loc) == 0 {
		return "document"
	}
	var sb strings.Builder
	for i, part := range loc {
		if isIndex(part) {
			sb.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(part)
	}
	return sb.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// GenerateSchema generates a JSON schema for the Config struct, only fields tagged required are required
func GenerateSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{RequiredFromJSONSchemaTags: true}
	return r.Reflect(&Config{})
}
