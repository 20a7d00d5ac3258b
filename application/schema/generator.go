// Package schema generates JSON Schema documents from Go struct shapes. The
// wireformat package uses it to describe its MIR dump structs
// (wireformat.ModuleSchema) so external golden-snapshot tooling can validate
// structure before comparing output byte-for-byte.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects v's Go struct shape into a JSON Schema document
// (Draft 2020-12), expanding nested struct definitions inline rather than
// emitting $ref pointers, so a single schema file fully describes a dump
// shape like wireformat.ModuleDump without a resolver.
func GenerateSchema(v any) ([]byte, error) {
	reflector := jsonschema.Reflector{ExpandedStruct: true}
	doc := reflector.Reflect(v)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("schema: marshal %T: %w", v, err)
	}
	return data, nil
}
