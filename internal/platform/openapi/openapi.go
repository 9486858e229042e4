package openapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/insights/internal/catalogue"
)

// Lister supplies the query descriptors documented by the generator.
type Lister interface {
	List() []catalogue.QueryDescriptor
}

// Generator builds an OpenAPI 3.0 spec from the catalogue descriptors.
type Generator struct {
	queries Lister
	version string
	baseURL string
}

// NewGenerator creates a new OpenAPI spec generator.
func NewGenerator(queries Lister, version, baseURL string) *Generator {
	return &Generator{queries: queries, version: version, baseURL: baseURL}
}

// GenerateSpec produces the OpenAPI 3.0 spec as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	paths := map[string]interface{}{
		"/queries": map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     "List catalogued queries",
				"operationId": "listQueries",
				"tags":        []string{"catalogue"},
				"responses": map[string]interface{}{
					"200": buildResponse("Query descriptors", map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"$ref": "#/components/schemas/QueryDescriptor"},
					}),
				},
			},
		},
	}
	schemas := buildComponentSchemas()

	for _, d := range g.queries.List() {
		id := operationID(d.Name)
		reportSchema := id + "Report"
		schemas[reportSchema] = buildReportSchema(d)

		paths["/queries/"+d.Name] = map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     "Describe " + d.Name,
				"operationId": "describe" + id,
				"tags":        []string{"catalogue"},
				"responses": map[string]interface{}{
					"200": buildResponse("Query descriptor", schemaRef("QueryDescriptor")),
				},
			},
		}

		responses := map[string]interface{}{
			"200": buildResponse(d.Description, schemaRef(reportSchema)),
			"400": buildResponse("Invalid parameter", schemaRef("Error")),
			"502": buildResponse("Data source failure", schemaRef("Error")),
			"504": buildResponse("Query timed out", schemaRef("Error")),
		}
		paths["/queries/"+d.Name+"/run"] = map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     d.Description,
				"operationId": "run" + id,
				"tags":        []string{"queries"},
				"parameters":  buildQueryParameters(d.Params),
				"responses":   responses,
			},
			"post": map[string]interface{}{
				"summary":     d.Description,
				"operationId": "run" + id + "WithBody",
				"tags":        []string{"queries"},
				"requestBody": buildRunRequestBody(d.Params),
				"responses":   responses,
			},
		}
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "Clinic Insights API",
			"version":     g.version,
			"description": "Named, parameterised reporting queries over the clinic database",
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": schemas,
		},
	}
}

// operationID turns "patient-age-buckets" into "PatientAgeBuckets".
func operationID(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, "-") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// paramSchema maps a declared parameter to an OpenAPI schema.
func paramSchema(p catalogue.Param) map[string]interface{} {
	var s map[string]interface{}
	switch p.Type {
	case catalogue.ParamDate:
		s = map[string]interface{}{"type": "string", "format": "date"}
	case catalogue.ParamInteger:
		s = map[string]interface{}{"type": "integer"}
	default:
		s = map[string]interface{}{"type": "string"}
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	if p.Rules != "" {
		s["x-rules"] = p.Rules
	}
	return s
}

// columnSchema maps a declared output column to an OpenAPI schema. Every
// column may be null.
func columnSchema(c catalogue.Column) map[string]interface{} {
	var s map[string]interface{}
	switch c.Type {
	case catalogue.ColumnInteger:
		s = map[string]interface{}{"type": "integer", "format": "int64"}
	case catalogue.ColumnNumber:
		s = map[string]interface{}{"type": "number", "format": "double"}
	case catalogue.ColumnDate:
		s = map[string]interface{}{"type": "string", "format": "date-time"}
	default:
		s = map[string]interface{}{"type": "string"}
	}
	s["nullable"] = true
	return s
}

func buildQueryParameters(params []catalogue.Param) []map[string]interface{} {
	result := make([]map[string]interface{}, 0, len(params))
	for _, p := range params {
		result = append(result, map[string]interface{}{
			"name":        p.Name,
			"in":          "query",
			"required":    p.Required,
			"description": p.Description,
			"schema":      paramSchema(p),
		})
	}
	return result
}

func buildRunRequestBody(params []catalogue.Param) map[string]interface{} {
	props := make(map[string]interface{}, len(params))
	var required []string
	for _, p := range params {
		props[p.Name] = paramSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	paramsObj := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		paramsObj["required"] = required
	}
	return map[string]interface{}{
		"required": false,
		"content": map[string]interface{}{
			echo.MIMEApplicationJSON: map[string]interface{}{
				"schema": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"params": paramsObj,
					},
				},
			},
		},
	}
}

func schemaRef(name string) map[string]interface{} {
	return map[string]interface{}{"$ref": "#/components/schemas/" + name}
}

// buildResponse creates an OpenAPI JSON response around schema.
func buildResponse(description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			echo.MIMEApplicationJSON: map[string]interface{}{
				"schema": schema,
			},
		},
	}
}

// buildReportSchema describes the run response of one query, with rows
// typed by its declared columns.
func buildReportSchema(d catalogue.QueryDescriptor) map[string]interface{} {
	rowProps := make(map[string]interface{}, len(d.Columns))
	for _, c := range d.Columns {
		rowProps[c.Name] = columnSchema(c)
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query":        map[string]interface{}{"type": "string", "enum": []string{d.Name}},
			"run_id":       map[string]interface{}{"type": "string", "format": "uuid"},
			"generated_at": map[string]interface{}{"type": "string", "format": "date-time"},
			"columns": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string", "enum": d.ColumnNames()},
			},
			"rows": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":       "object",
					"properties": rowProps,
					"required":   d.ColumnNames(),
				},
			},
			"row_count": map[string]interface{}{"type": "integer", "minimum": 0},
		},
		"required": []string{"query", "run_id", "generated_at", "columns", "rows", "row_count"},
	}
}

// ── Shared schemas ──────────────────────────────────────────────────────

func buildComponentSchemas() map[string]interface{} {
	return map[string]interface{}{
		"QueryDescriptor": buildDescriptorSchema(),
		"Error":           buildErrorSchema(),
	}
}

func buildDescriptorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":        map[string]interface{}{"type": "string"},
			"description": map[string]interface{}{"type": "string"},
			"params": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"name":        map[string]interface{}{"type": "string"},
						"type":        map[string]interface{}{"type": "string", "enum": []string{"string", "integer", "date"}},
						"required":    map[string]interface{}{"type": "boolean"},
						"default":     map[string]interface{}{},
						"rules":       map[string]interface{}{"type": "string"},
						"description": map[string]interface{}{"type": "string"},
					},
					"required": []string{"name", "type", "required"},
				},
			},
			"columns": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"name": map[string]interface{}{"type": "string"},
						"type": map[string]interface{}{"type": "string", "enum": []string{"string", "integer", "number", "date"}},
					},
					"required": []string{"name", "type"},
				},
			},
		},
		"required": []string{"name", "description", "params", "columns"},
	}
}

func buildErrorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"error": map[string]interface{}{"type": "string"},
			"code": map[string]interface{}{
				"type": "string",
				"enum": []string{"unknown_query", "invalid_parameter", "timeout", "data_source", "bad_request"},
			},
			"query":    map[string]interface{}{"type": "string"},
			"param":    map[string]interface{}{"type": "string"},
			"sqlstate": map[string]interface{}{"type": "string"},
		},
		"required": []string{"error", "code"},
	}
}

// ── Swagger UI ──────────────────────────────────────────────────────────

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Clinic Insights API - Swagger UI</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" >
  <style>
    html { box-sizing: border-box; overflow-y: scroll; }
    *, *:before, *:after { box-sizing: inherit; }
    body { margin: 0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/api/v1/openapi.json",
      dom_id: '#swagger-ui',
      deepLinking: true,
      presets: [
        SwaggerUIBundle.presets.apis,
        SwaggerUIBundle.SwaggerUIStandalonePreset
      ],
      layout: "BaseLayout"
    })
  </script>
</body>
</html>`

// RegisterRoutes registers the OpenAPI endpoints.
func (g *Generator) RegisterRoutes(apiGroup *echo.Group) {
	apiGroup.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
	apiGroup.GET("/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}
