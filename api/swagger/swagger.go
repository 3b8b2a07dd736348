package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Visa Operations API",
        "description": "Visa operation workflow engine: case registry, CGI credentials, slot booking and the DS-160 dual-approval pipeline",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "tags": [
        {"name": "Authentication", "description": "Login, token refresh and password management"},
        {"name": "Cases", "description": "Visa operation registry and sub-records"},
        {"name": "DS-160", "description": "DS-160 form lifecycle, approvals and documents"},
        {"name": "Exports", "description": "Asynchronous CSV/PDF exports"},
        {"name": "Analytics", "description": "Pipeline and outcome aggregates"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate and obtain a token pair",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cases": {
            "get": {
                "tags": ["Cases"],
                "security": [{"BearerAuth": []}],
                "summary": "List visa operations",
                "parameters": [
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "country", "in": "query", "type": "string"},
                    {"name": "statusLabel", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "sort", "in": "query", "type": "string"},
                    {"name": "order", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Cases"],
                "security": [{"BearerAuth": []}],
                "summary": "Open a visa operation case",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateCaseRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cases/{id}": {
            "get": {
                "tags": ["Cases"],
                "security": [{"BearerAuth": []}],
                "summary": "Get a case with sub-records",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cases/{id}/cgi": {
            "put": {
                "tags": ["Cases"],
                "security": [{"BearerAuth": []}],
                "summary": "Set CGI credential sub-record",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CgiDataRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cases/{id}/slot-booking": {
            "put": {
                "tags": ["Cases"],
                "security": [{"BearerAuth": []}],
                "summary": "Set slot booking sub-record",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SlotBookingRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Preferences locked", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cases/{id}/ds/admin-accept": {
            "post": {
                "tags": ["DS-160"],
                "security": [{"BearerAuth": []}],
                "summary": "Record admin acceptance of the DS-160 form",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Admin role required", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Concurrent state change", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cases/{id}/ds/documents": {
            "post": {
                "tags": ["DS-160"],
                "security": [{"BearerAuth": []}],
                "summary": "Attach a DS-160 document",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "kind", "in": "formData", "required": true, "type": "string", "enum": ["FILLING", "INTERNAL", "CONFIRMATION"]},
                    {"name": "file", "in": "formData", "required": true, "type": "file"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "Approval gate not satisfied", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exports/register": {
            "post": {
                "tags": ["Exports"],
                "security": [{"BearerAuth": []}],
                "summary": "Queue a register export",
                "parameters": [
                    {"name": "payload", "in": "body", "required": false, "schema": {"$ref": "#/definitions/CreateRegisterExportRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/analytics/pipeline": {
            "get": {
                "tags": ["Analytics"],
                "security": [{"BearerAuth": []}],
                "summary": "Case counts per workflow stage",
                "parameters": [
                    {"name": "country", "in": "query", "type": "string"},
                    {"name": "dateFrom", "in": "query", "type": "string"},
                    {"name": "dateTo", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            },
            "required": ["email", "password"]
        },
        "CreateCaseRequest": {
            "type": "object",
            "properties": {
                "contactId": {"type": "string"},
                "vopNumber": {"type": "string"},
                "country": {"type": "string"},
                "intake": {"type": "string"},
                "university": {"type": "string"},
                "course": {"type": "string"}
            },
            "required": ["contactId", "country"]
        },
        "CgiDataRequest": {
            "type": "object",
            "properties": {
                "username": {"type": "string"},
                "password": {"type": "string"},
                "securityAnswers": {
                    "type": "array",
                    "items": {"type": "string"}
                }
            }
        },
        "SlotBookingRequest": {
            "type": "object",
            "properties": {
                "vacDate": {"type": "string"},
                "viDate": {"type": "string"},
                "consulate": {"type": "string"},
                "visaOutcome": {"type": "string"}
            }
        },
        "CreateRegisterExportRequest": {
            "type": "object",
            "properties": {
                "country": {"type": "string"},
                "dateFrom": {"type": "string"},
                "dateTo": {"type": "string"}
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
                "status": {"type": "integer"}
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
