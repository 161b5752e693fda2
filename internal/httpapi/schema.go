package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/registrar/internal/registration"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var intakeFields = map[registration.Kind][]string{
	registration.KindInternal: {"name", "reg_no", "division", "year_of_study", "recipt_no"},
	registration.KindExternal: {"name", "reg_no", "dept_name", "year_of_study", "college_name", "recipt_no"},
}

var revisionTwoFields = []string{"email", "phone_number"}

// intakeSchemas holds one compiled JSON Schema per registration kind.
type intakeSchemas struct {
	byKind  map[registration.Kind]*jsonschema.Schema
	printer *message.Printer
}

func mustCompileIntakeSchemas(revision registration.SchemaRevision) *intakeSchemas {
	schemas, err := compileIntakeSchemas(revision)
	if err != nil {
		panic(err)
	}
	return schemas
}

func compileIntakeSchemas(revision registration.SchemaRevision) (*intakeSchemas, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	out := &intakeSchemas{
		byKind:  map[registration.Kind]*jsonschema.Schema{},
		printer: message.NewPrinter(language.English),
	}
	for k, fields := range intakeFields {
		required := append([]string(nil), fields...)
		if revision.Normalize() == registration.RevisionV2 {
			required = append(required, revisionTwoFields...)
		}
		properties := map[string]any{}
		for _, field := range required {
			properties[field] = map[string]any{"type": "string", "minLength": 1, "pattern": `\S`}
		}
		properties["year_of_study"] = map[string]any{"type": []string{"string", "integer"}, "minLength": 1, "pattern": `\S`}
		if email, ok := properties["email"].(map[string]any); ok {
			email["format"] = "email"
		}
		raw, err := json.Marshal(map[string]any{
			"$schema":    "https://json-schema.org/draft/2020-12/schema",
			"type":       "object",
			"required":   required,
			"properties": properties,
		})
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("registrar://intake/%s.json", k)
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, err
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s intake schema: %w", k, err)
		}
		out.byKind[k] = schema
	}
	return out, nil
}

// decode validates body against the kind's schema and maps it onto a
// submission. Strings are kept as sent; the schema only rejects blank ones.
// Field errors are returned alongside a summary error.
func (s *intakeSchemas) decode(k registration.Kind, body []byte) (registration.Submission, []fieldError, error) {
	schema, ok := s.byKind[k]
	if !ok {
		return registration.Submission{}, nil, fmt.Errorf("%w: unknown registration kind %q", registration.ErrValidation, k)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return registration.Submission{}, []fieldError{{Field: "body", Message: "invalid json body"}}, fmt.Errorf("%w: invalid json body", registration.ErrValidation)
	}
	if err := schema.Validate(instance); err != nil {
		fields := s.fieldErrors(err)
		names := make([]string, 0, len(fields))
		for _, field := range fields {
			names = append(names, field.Field)
		}
		return registration.Submission{}, fields, fmt.Errorf("%w: invalid fields: %s", registration.ErrValidation, strings.Join(names, ", "))
	}

	obj, _ := instance.(map[string]any)
	get := func(key string) string {
		switch value := obj[key].(type) {
		case string:
			return value
		case json.Number:
			return value.String()
		case nil:
			return ""
		default:
			return fmt.Sprint(value)
		}
	}
	return registration.Submission{
		Kind:        k,
		Name:        get("name"),
		RegNo:       get("reg_no"),
		YearOfStudy: get("year_of_study"),
		ReceiptNo:   get("recipt_no"),
		Division:    get("division"),
		DeptName:    get("dept_name"),
		CollegeName: get("college_name"),
		Email:       get("email"),
		PhoneNumber: get("phone_number"),
	}, nil, nil
}

func (s *intakeSchemas) fieldErrors(err error) []fieldError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []fieldError{{Field: "body", Message: err.Error()}}
	}
	var out []fieldError
	s.collect(verr, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func (s *intakeSchemas) collect(verr *jsonschema.ValidationError, out *[]fieldError) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			s.collect(cause, out)
		}
		return
	}
	field := strings.Join(verr.InstanceLocation, ".")
	if field == "" {
		field = "body"
	}
	switch ek := verr.ErrorKind.(type) {
	case *kind.Required:
		for _, missing := range ek.Missing {
			*out = append(*out, fieldError{Field: missing, Message: "field required"})
		}
	case *kind.MinLength, *kind.Pattern:
		*out = append(*out, fieldError{Field: field, Message: "must not be empty"})
	default:
		*out = append(*out, fieldError{Field: field, Message: verr.ErrorKind.LocalizedString(s.printer)})
	}
}
