package api

import (
	"net/http"

	"apiagg/internal/version"
)

// handleOpenAPISpec returns the OpenAPI specification
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, GenerateOpenAPISpec(), http.StatusOK)
}

func jsonResponse(description, schemaRef string) map[string]interface{} {
	resp := map[string]interface{}{"description": description}
	if schemaRef != "" {
		resp["content"] = map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]interface{}{"$ref": "#/components/schemas/" + schemaRef},
			},
		}
	}
	return resp
}

func queryParam(name, description string, required bool, enum ...string) map[string]interface{} {
	schema := map[string]interface{}{"type": "string"}
	if len(enum) > 0 {
		schema["enum"] = enum
	}
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"required":    required,
		"description": description,
		"schema":      schema,
	}
}

// GenerateOpenAPISpec generates the OpenAPI specification for the API
func GenerateOpenAPISpec() map[string]interface{} {
	return map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "API Aggregator",
			"version":     version.Version,
			"description": "Fans a query out to several public APIs and returns one merged, sorted list of records",
		},
		"servers": []map[string]interface{}{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/aggregation": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Aggregate records for a query",
					"description": "Source failures reduce the result set and never fail the request.",
					"parameters": []interface{}{
						queryParam("query", "Search term passed to every source", true),
						queryParam("sortBy", "Sort key (default date)", false, "date", "title", "source"),
						queryParam("sortOrder", "Sort direction (default desc)", false, "asc", "desc"),
						queryParam("sources", "Source ids to keep, comma-separated or repeated, case-insensitive", false),
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Records, possibly empty",
							"content": map[string]interface{}{
								"application/json": map[string]interface{}{
									"schema": map[string]interface{}{
										"type":  "array",
										"items": map[string]interface{}{"$ref": "#/components/schemas/Record"},
									},
								},
							},
						},
						"400": jsonResponse("Missing query or invalid sort parameter", "Error"),
						"429": jsonResponse("Rate limit exceeded; see Retry-After", "Error"),
						"499": jsonResponse("Client closed the request", "Error"),
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":   "Health check",
					"responses": map[string]interface{}{"200": jsonResponse("Server is alive", "")},
				},
			},
			"/ready": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":   "Readiness check",
					"responses": map[string]interface{}{"200": jsonResponse("ready or degraded, with per-source health", "")},
				},
			},
			"/sources": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":   "Registered sources and their state",
					"responses": map[string]interface{}{"200": jsonResponse("Source states", "")},
				},
			},
			"/stats": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "Cache and per-source fetch statistics",
					"parameters": []interface{}{queryParam("since", "Look-back window such as 1h, 24h or 7d (default 24h)", false)},
					"responses": map[string]interface{}{
						"200": jsonResponse("Statistics", ""),
						"400": jsonResponse("Invalid window", "Error"),
					},
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":   "Prometheus metrics",
					"responses": map[string]interface{}{"200": map[string]interface{}{"description": "Prometheus text exposition"}},
				},
			},
			"/cache": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "Cache entry for one query",
					"parameters": []interface{}{queryParam("query", "Query text; matched trimmed and case-insensitively", true)},
					"responses": map[string]interface{}{
						"200": jsonResponse("Whether the query is cached and how many records it holds", ""),
						"400": jsonResponse("Missing query", "Error"),
					},
				},
				"delete": map[string]interface{}{
					"summary":    "Invalidate the cache entry for one query",
					"parameters": []interface{}{queryParam("query", "Query text; matched trimmed and case-insensitively", true)},
					"responses": map[string]interface{}{
						"200": jsonResponse("Whether an entry was dropped", ""),
						"400": jsonResponse("Missing query", "Error"),
					},
				},
			},
			"/cache/clear": map[string]interface{}{
				"post": map[string]interface{}{
					"summary":   "Clear the result cache",
					"responses": map[string]interface{}{"200": jsonResponse("Number of entries cleared", "")},
				},
			},
			"/cache/warm": map[string]interface{}{
				"post": map[string]interface{}{
					"summary": "Warm the result cache",
					"requestBody": map[string]interface{}{
						"required": true,
						"content": map[string]interface{}{
							"application/json": map[string]interface{}{
								"schema": map[string]interface{}{
									"type": "object",
									"properties": map[string]interface{}{
										"queries": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
									},
								},
							},
						},
					},
					"responses": map[string]interface{}{
						"200": jsonResponse("Number of queries warmed", ""),
						"400": jsonResponse("Missing queries", "Error"),
					},
				},
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Record": map[string]interface{}{
					"type":     "object",
					"required": []string{"sourceApi", "title", "content", "url"},
					"properties": map[string]interface{}{
						"sourceApi":     map[string]interface{}{"type": "string"},
						"title":         map[string]interface{}{"type": "string"},
						"content":       map[string]interface{}{"type": "string"},
						"url":           map[string]interface{}{"type": "string"},
						"publishedDate": map[string]interface{}{"type": "string", "format": "date-time"},
					},
				},
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error":   map[string]interface{}{"type": "string"},
						"code":    map[string]interface{}{"type": "string"},
						"details": map[string]interface{}{"type": "object"},
					},
				},
			},
		},
	}
}
