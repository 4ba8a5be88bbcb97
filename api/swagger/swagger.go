package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Connect API",
        "description": "Public services directory search and update request moderation",
        "version": "0.1.0"
    },
    "basePath": "/",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Search", "description": "Service and event search"},
        {"name": "Update Requests", "description": "Proposed changes awaiting review"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/ready": {
            "get": {
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "Ready"},
                    "503": {"description": "A dependency is unavailable"}
                }
            }
        },
        "/api/v1/search": {
            "post": {
                "tags": ["Search"],
                "summary": "Search services",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "body", "name": "payload", "required": true, "schema": {"$ref": "#/definitions/SearchCriteria"}}
                ],
                "responses": {
                    "200": {"description": "Result page", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid criteria", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Search engine unavailable", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/search/events": {
            "post": {
                "tags": ["Search"],
                "summary": "Search organisation events",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "body", "name": "payload", "required": true, "schema": {"$ref": "#/definitions/SearchCriteria"}}
                ],
                "responses": {
                    "200": {"description": "Result page", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid criteria", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Search engine unavailable", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/update-requests": {
            "get": {
                "tags": ["Update Requests"],
                "summary": "List update requests",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"in": "query", "name": "status", "type": "string", "description": "Comma separated PENDING, APPROVED, REJECTED"},
                    {"in": "query", "name": "entity_type", "type": "string"},
                    {"in": "query", "name": "entity_id", "type": "string"},
                    {"in": "query", "name": "submitted_by", "type": "string"},
                    {"in": "query", "name": "page", "type": "integer"},
                    {"in": "query", "name": "page_size", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "Update requests", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Update Requests"],
                "summary": "Submit an update request",
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "parameters": [
                    {"in": "body", "name": "payload", "required": true, "schema": {"$ref": "#/definitions/SubmitUpdateRequest"}}
                ],
                "responses": {
                    "201": {"description": "Pending update request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Data fails field rules", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Target entity not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/update-requests/export": {
            "get": {
                "tags": ["Update Requests"],
                "summary": "Export the moderation queue",
                "security": [{"BearerAuth": []}],
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"in": "query", "name": "format", "type": "string", "enum": ["csv", "pdf"]},
                    {"in": "query", "name": "status", "type": "string"}
                ],
                "responses": {"200": {"description": "File download"}}
            }
        },
        "/api/v1/update-requests/{id}": {
            "get": {
                "tags": ["Update Requests"],
                "summary": "Get an update request",
                "security": [{"BearerAuth": []}],
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "Update request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/update-requests/{id}/approve": {
            "put": {
                "tags": ["Update Requests"],
                "summary": "Approve and merge an update request",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"in": "path", "name": "id", "type": "string", "required": true},
                    {"in": "body", "name": "payload", "schema": {"$ref": "#/definitions/ReviewUpdateRequest"}}
                ],
                "responses": {
                    "200": {"description": "Approved request and merged entity", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already reviewed or merge conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/update-requests/{id}/reject": {
            "put": {
                "tags": ["Update Requests"],
                "summary": "Reject an update request",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"in": "path", "name": "id", "type": "string", "required": true},
                    {"in": "body", "name": "payload", "schema": {"$ref": "#/definitions/ReviewUpdateRequest"}}
                ],
                "responses": {
                    "200": {"description": "Rejected request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already reviewed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "SearchCriteria": {
            "type": "object",
            "properties": {
                "query": {"type": "string"},
                "page": {"type": "integer"},
                "per_page": {"type": "integer"},
                "order": {"type": "string", "enum": ["relevance", "distance", "start_date", "name"]},
                "filters": {"type": "object"}
            }
        },
        "SubmitUpdateRequest": {
            "type": "object",
            "required": ["entity_type", "data"],
            "properties": {
                "entity_type": {"type": "string"},
                "entity_id": {"type": "string"},
                "data": {"type": "object"}
            }
        },
        "ReviewUpdateRequest": {
            "type": "object",
            "properties": {
                "note": {"type": "string"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"},
                "details": {"type": "object"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
