// Package api embeds the OpenAPI specification, served at /v1/openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 YAML specification for the Nagare API.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
