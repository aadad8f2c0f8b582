// Package docs embeds the REST API description served at /swagger.
package docs

import _ "embed"

// OpenAPI is the OpenAPI 3 document for the hgrev REST API.
//
//go:embed openapi.yaml
var OpenAPI []byte
