package httpx

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 1 << 20

//go:embed schemas/*.json
var schemaFS embed.FS

// Request body schemas, keyed by file name without extension.
type schemas map[string]*jsonschema.Schema

func loadSchemas() (schemas, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	urls := make(map[string]string, len(entries))
	for _, e := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		name := e.Name()[:len(e.Name())-len(".json")]
		url := fmt.Sprintf("https://storefront.schemas.local/%s.schema.json", name)
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", name, err)
		}
		urls[name] = url
	}

	out := make(schemas, len(urls))
	for name, url := range urls {
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = compiled
	}
	return out, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "cannot read request body", err)
	}
	if len(body) > maxBodyBytes {
		return nil, apperr.New(apperr.KindInvalidRequest, "request body too large")
	}
	return body, nil
}

// decode checks the body against the named schema before unmarshalling it
// into dst.
func (s schemas) decode(r *http.Request, name string, dst any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return apperr.New(apperr.KindInvalidRequest, "request body is not valid JSON")
	}
	if schema, ok := s[name]; ok {
		if err := schema.Validate(doc); err != nil {
			return apperr.Newf(apperr.KindInvalidRequest, "request body rejected: %s", validationMessage(err))
		}
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.New(apperr.KindInvalidRequest, "invalid request body")
	}
	return nil
}

// validationMessage reports the innermost failure, which names the field.
func validationMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
