// Package main provides a standalone tool to generate JSON Schemas.
//
// This tool is kept for backward compatibility. The preferred way is:
//
//	tokengate --schema environment > configs/environment.schema.json
//	tokengate --schema rules > configs/rules.schema.json
//
// Usage:
//
//	go run ./cmd/schemagen [environment|rules]
//
// Examples:
//
//	go run ./cmd/schemagen environment > configs/environment.schema.json
//	go run ./cmd/schemagen rules > configs/rules.schema.json
package main

import (
	"fmt"
	"os"

	"github.com/your-org/tokengate/internal/schema"
)

func main() {
	schemaType := "environment" // default
	if len(os.Args) > 1 {
		schemaType = os.Args[1]
	}

	st, ok := schema.ParseSchemaType(schemaType)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown schema type: %s\n", schemaType)
		fmt.Fprintf(os.Stderr, "Available types: environment, rules\n")
		os.Exit(1)
	}

	gen := schema.NewGenerator()
	data, err := gen.Generate(st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating schema: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(data))
}
