package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const maxBodyBytes = 1 << 20

var errInvalidBody = errors.New("invalid request body")

const identifierPattern = "^[A-Za-z0-9-]+$"

var (
	messageSchema = mustSchema(map[string]interface{}{
		"type":     "object",
		"required": []string{"user_id", "session_id", "message"},
		"properties": map[string]interface{}{
			"user_id":          map[string]interface{}{"type": "string", "pattern": identifierPattern},
			"session_id":       map[string]interface{}{"type": "string", "minLength": 1},
			"message":          map[string]interface{}{"type": "string", "minLength": 1, "maxLength": 16000},
			"character_prompt": map[string]interface{}{"type": "string"},
		},
	})

	// springbootSchema checks the form fields of /springboot/stream.
	springbootSchema = mustSchema(map[string]interface{}{
		"type":     "object",
		"required": []string{"user_id", "character_id", "message"},
		"properties": map[string]interface{}{
			"user_id":          map[string]interface{}{"type": "string", "pattern": identifierPattern},
			"character_id":     map[string]interface{}{"type": "string", "pattern": identifierPattern},
			"message":          map[string]interface{}{"type": "string", "minLength": 1, "maxLength": 16000},
			"character_prompt": map[string]interface{}{"type": "string"},
		},
	})

	sessionSchema = mustSchema(map[string]interface{}{
		"type":     "object",
		"required": []string{"user_id", "character_id"},
		"properties": map[string]interface{}{
			"user_id":      map[string]interface{}{"type": "string", "pattern": identifierPattern},
			"character_id": map[string]interface{}{"type": "string", "pattern": identifierPattern},
			"title":        map[string]interface{}{"type": "string", "maxLength": 200},
		},
	})
)

func mustSchema(def map[string]interface{}) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
	if err != nil {
		panic(fmt.Sprintf("gateway: invalid schema: %v", err))
	}
	return schema
}

// validate reports every schema violation of doc in one error.
func validate(schema *gojsonschema.Schema, doc gojsonschema.JSONLoader) error {
	result, err := schema.Validate(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", errInvalidBody, strings.Join(msgs, "; "))
	}
	return nil
}

// decodeJSON validates the body against schema before decoding it into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema, dst interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	if err := validate(schema, gojsonschema.NewBytesLoader(body)); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}
