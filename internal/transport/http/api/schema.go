package apihttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const signalSchema = `{
  "type": "object",
  "required": ["strategy_id", "symbol", "direction"],
  "properties": {
    "strategy_id": {"type": "string", "minLength": 1},
    "symbol": {"type": "string", "minLength": 1},
    "direction": {"type": "string", "enum": ["long", "short", "flat", "buy", "sell", "close", "exit"]},
    "strength": {"type": "number", "minimum": 0},
    "produced_at": {"type": "string", "format": "date-time"},
    "stop_price": {"type": "number", "exclusiveMinimum": 0},
    "take_profit": {"type": "number", "exclusiveMinimum": 0},
    "limit_price": {"type": "number", "exclusiveMinimum": 0},
    "metadata": {"type": "object", "additionalProperties": {"type": ["string", "number", "boolean"]}}
  }
}`

const fillSchema = `{
  "type": "object",
  "required": ["strategy_id", "symbol", "order_id"],
  "properties": {
    "strategy_id": {"type": "string", "minLength": 1},
    "symbol": {"type": "string", "minLength": 1},
    "order_id": {"type": "string", "minLength": 1},
    "status": {"type": "string"},
    "quantity": {"type": ["string", "number"]},
    "price": {"type": ["string", "number"]},
    "reason": {"type": "string"}
  }
}`

var (
	signalValidator = mustCompile("signal.json", signalSchema)
	fillValidator   = mustCompile("fill.json", fillSchema)
)

func mustCompile(url, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("schema %s: %v", url, err))
	}
	return compiler.MustCompile(url)
}

// validateBody 按 schema 校验原始 JSON。
func validateBody(schema *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
