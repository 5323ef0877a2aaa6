package apis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tansive/receipts/internal/common/httpx"
	"github.com/tidwall/gjson"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs the struct tag validations and reports the failing fields.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return httpx.ErrInvalidRequest(err.Error())
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		msgs = append(msgs, fmt.Sprintf("%s: failed on %s", jsonFieldName(fe.Namespace()), fe.Tag()))
	}
	return httpx.ErrInvalidRequest(strings.Join(msgs, "; "))
}

func jsonFieldName(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	if ns == "" {
		return ns
	}
	return strings.ToLower(ns[:1]) + ns[1:]
}

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// compileSchema compiles an inline JSON schema document.
func compileSchema(schema string) (*jsonschema.Schema, error) {
	if !gjson.Valid(schema) {
		return nil, fmt.Errorf("invalid JSON schema")
	}
	compiler := jsonschema.NewCompiler()
	compiler.LoadURL = func(url string) (io.ReadCloser, error) {
		if url == "inline://schema" {
			return io.NopCloser(bytes.NewReader([]byte(schema))), nil
		}
		return nil, fmt.Errorf("unsupported schema ref: %s", url)
	}
	if err := compiler.AddResource("inline://schema", bytes.NewReader([]byte(schema))); err != nil {
		return nil, err
	}
	return compiler.Compile("inline://schema")
}

// readSchemaBody reads a JSON object from the request body and validates it against s.
// Numbers are kept as json.Number.
func readSchemaBody(r *http.Request, s *jsonschema.Schema) (map[string]any, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, httpx.ErrUnableToParseReqData()
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, httpx.ErrRequestTooLarge(maxErr.Limit)
		}
		return nil, httpx.ErrUnableToParseReqData()
	}
	if !gjson.ValidBytes(body) {
		return nil, httpx.ErrUnableToParseReqData()
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, httpx.ErrUnableToParseReqData()
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, httpx.ErrInvalidRequest(schemaErrorMessage(ve))
		}
		return nil, httpx.ErrInvalidRequest(err.Error())
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, httpx.ErrInvalidRequest("request body must be a JSON object")
	}
	return obj, nil
}

// schemaErrorMessage flattens the leaf causes of a schema validation error.
func schemaErrorMessage(ve *jsonschema.ValidationError) string {
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
