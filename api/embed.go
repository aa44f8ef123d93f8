// Package api holds the OpenAPI description of the HTTP surface.
package api

import _ "embed"

// Spec is the OpenAPI 3 document served at /api/openapi.yaml. The router
// tests check that every operation in it is mounted.
//
//go:embed openapi.yaml
var Spec []byte
