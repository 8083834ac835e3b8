package handlers

import (
	"encoding/json"
	"net/http"

	"station-availability/internal/table"
)

var windowParameters = []map[string]interface{}{
	{
		"name":        "start",
		"in":          "query",
		"description": "Window start, YYYY-MM-DD or YYYY-MM-DD HH:MM[:SS] in the pipeline timezone. Omit both bounds for the rolling window.",
		"required":    false,
		"schema":      map[string]string{"type": "string"},
	},
	{
		"name":        "end",
		"in":          "query",
		"description": "Window end, inclusive. A bare date means 23:59 of that day.",
		"required":    false,
		"schema":      map[string]string{"type": "string"},
	},
}

func jsonResponse(description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{"schema": schema},
		},
	}
}

func ref(name string) map[string]interface{} {
	return map[string]interface{}{"$ref": "#/components/schemas/" + name}
}

func pipelineResponses(schema string) map[string]interface{} {
	return map[string]interface{}{
		"200": jsonResponse("Retrieval succeeded, possibly partially", ref(schema)),
		"400": jsonResponse("Invalid window", ref("Error")),
		"503": jsonResponse("Every backend failed", ref(schema)),
	}
}

// OpenAPISpec returns the OpenAPI 3.0 specification for the Station Availability API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"type": "string",
		"enum": []string{"ok", "partial", "empty", "failed"},
	}
	backends := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": status,
	}

	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Station Availability API",
			"description": "Retrieves sensor observations from the VU and WUR backends for a checklist of stations and reports data availability",
			"version":     "1.0.0",
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/retrieval": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Retrieve merged observations",
					"description": "Returns sensor metadata and the merged wide table for the window, served from the cache when possible",
					"parameters": append([]map[string]interface{}{{
						"name":        "drop_empty",
						"in":          "query",
						"description": "Remove sensors without any value in the window",
						"required":    false,
						"schema":      map[string]interface{}{"type": "boolean", "default": false},
					}}, windowParameters...),
					"responses":   pipelineResponses("Retrieval"),
				},
			},
			"/api/retrieval/refresh": map[string]interface{}{
				"post": map[string]interface{}{
					"summary":     "Refresh a retrieval",
					"description": "Bypasses the cache, queries the backends and replaces the cached entry",
					"parameters":  windowParameters,
					"responses":   pipelineResponses("Retrieval"),
				},
			},
			"/api/availability": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "Availability report",
					"parameters": windowParameters,
					"responses":  pipelineResponses("AvailabilityResult"),
				},
			},
			"/api/availability/matrix": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "Availability by station and variable",
					"parameters": windowParameters,
					"responses":  pipelineResponses("Matrix"),
				},
			},
			"/api/sensors/{key}/timeline": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Values of one sensor over the window",
					"parameters": append([]map[string]interface{}{{
						"name":        "key",
						"in":          "path",
						"description": "Sensor key, <source>:<sensor_id>",
						"required":    true,
						"schema":      map[string]string{"type": "string"},
					}}, windowParameters...),
					"responses": map[string]interface{}{
						"200": jsonResponse("Sensor timeline", ref("Timeline")),
						"400": jsonResponse("Invalid key or window", ref("Error")),
						"404": jsonResponse("Sensor not part of the retrieval", ref("Error")),
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Health check",
					"responses": map[string]interface{}{
						"200": jsonResponse("Service is up; backends report ok or unavailable", map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"status":    map[string]interface{}{"type": "string", "enum": []string{"healthy", "degraded"}},
								"backends":  map[string]interface{}{"type": "object", "additionalProperties": map[string]string{"type": "string"}},
								"timestamp": map[string]string{"type": "string", "format": "date-time"},
							},
						}),
					},
				},
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Window": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"start": map[string]string{"type": "string", "format": "date-time"},
						"end":   map[string]string{"type": "string", "format": "date-time"},
					},
				},
				"Retrieval": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"run_id":          map[string]string{"type": "string", "format": "uuid"},
						"window":          ref("Window"),
						"status":          status,
						"backends":        backends,
						"cached":          map[string]string{"type": "boolean"},
						"metadata":        map[string]string{"type": "array"},
						"gaps":            map[string]string{"type": "array"},
						"dropped_fields":  map[string]string{"type": "array"},
						"corrections":     map[string]string{"type": "array"},
						"dropped_sensors": map[string]string{"type": "array"},
						"table": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								table.IndexName: map[string]interface{}{"type": "array", "items": map[string]string{"type": "string", "format": "date-time"}},
								"columns":       map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
								"values":        map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "number", "nullable": true}}},
							},
						},
					},
				},
				"AvailabilityResult": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"status":   status,
						"backends": backends,
						"cached":   map[string]string{"type": "boolean"},
						"report": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"window": ref("Window"),
								"rows": map[string]interface{}{
									"type": "array",
									"items": map[string]interface{}{
										"type": "object",
										"properties": map[string]interface{}{
											"station":     map[string]string{"type": "string"},
											"variable":    map[string]string{"type": "string"},
											"source":      map[string]string{"type": "string"},
											"sensor_name": map[string]string{"type": "string"},
											"sensor_key":  map[string]string{"type": "string"},
											"percentage":  map[string]string{"type": "number"},
											"expected":    map[string]string{"type": "integer"},
											"present":     map[string]string{"type": "integer"},
											"reason":      map[string]interface{}{"type": "string", "enum": []string{"Data_available", "No_sensor", "Sensor_not_found"}},
										},
									},
								},
							},
						},
					},
				},
				"Matrix": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"status":   status,
						"backends": backends,
						"window":   ref("Window"),
						"matrix":   map[string]string{"type": "object"},
					},
				},
				"Timeline": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"sensor": map[string]string{"type": "object"},
						"points": map[string]interface{}{
							"type": "array",
							"items": map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"timestamp": map[string]string{"type": "string", "format": "date-time"},
									"value":     map[string]interface{}{"type": "number", "nullable": true},
								},
							},
						},
					},
				},
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error":   map[string]string{"type": "string"},
						"message": map[string]string{"type": "string"},
						"code":    map[string]string{"type": "integer"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
