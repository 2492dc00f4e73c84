package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// swaggerShell embeds the Swagger UI assets from the public CDN; the server
// itself only serves the OpenAPI document.
const swaggerShell = `<!DOCTYPE html>
<html>
<head>
  <title>%s — API docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({url: "/openapi.json", dom_id: "#swagger-ui"});
  </script>
</body>
</html>`

func (s *Server) handleDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, swaggerShell, s.cfg.ServiceName)
}

// handleOpenAPI builds the OpenAPI document from the registry's schema
// handles, one execute path per registered algorithm.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	paths := map[string]any{}
	for _, spec := range s.registry.List() {
		path := fmt.Sprintf("/algorithms/%s/%s", spec.Name, spec.Version)
		paths[path] = map[string]any{
			"post": map[string]any{
				"summary":     spec.Description,
				"operationId": spec.Name + "_" + spec.Version,
				"tags":        []string{string(spec.AlgorithmType)},
				"requestBody": map[string]any{
					"required": true,
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": envelopeSchema("data", json.RawMessage(spec.InputSchema())),
						},
					},
				},
				"responses": map[string]any{
					"200": map[string]any{
						"description": "business outcome",
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": envelopeSchema("data", json.RawMessage(spec.OutputSchema())),
							},
						},
					},
				},
			},
		}
	}

	doc := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   s.cfg.ServiceName,
			"version": "v1",
		},
		"paths": paths,
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// envelopeSchema wraps a model schema into the request/response envelope shape.
func envelopeSchema(payloadField string, payload json.RawMessage) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"requestId": map[string]any{"type": "string"},
			"datetime":  map[string]any{"type": "string", "format": "date-time"},
			"context":   map[string]any{"type": "object"},
			payloadField: payload,
		},
	}
}
