package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "School Finance API",
        "description": "Fee ledger, payments and expense tracking for schools",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Auth", "description": "Authentication and session management"},
        {"name": "Fees", "description": "Fee obligations with derived status"},
        {"name": "Payments", "description": "Payment ledger"},
        {"name": "Students", "description": "Student directory and bulk import"},
        {"name": "Expenses", "description": "School expenditures"},
        {"name": "Statements", "description": "Statement and export generation"}
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["Auth"],
                "summary": "Authenticate and obtain tokens",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Auth"],
                "summary": "Exchange a refresh token",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/fees": {
            "get": {
                "tags": ["Fees"],
                "summary": "List fees visible to the caller",
                "parameters": [
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "studentId", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string", "enum": ["UNPAID", "PARTIAL", "PAID", "OVERDUE"]},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Fees"],
                "summary": "Create fee",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateFeeRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Caller may not manage the ledger"}
                }
            }
        },
        "/fees/{id}": {
            "get": {
                "tags": ["Fees"],
                "summary": "Get fee with derived status",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Fee not found or out of scope"}
                }
            },
            "put": {
                "tags": ["Fees"],
                "summary": "Update fee terms",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateFeeRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Fees"],
                "summary": "Delete fee and its payments",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "Deleted"}
                }
            }
        },
        "/fees/{id}/payments": {
            "get": {
                "tags": ["Payments"],
                "summary": "List a fee's payments chronologically",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/payments": {
            "get": {
                "tags": ["Payments"],
                "summary": "List payments visible to the caller",
                "parameters": [
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "feeId", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Payments"],
                "summary": "Record a payment",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RecordPaymentRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid amount"},
                    "403": {"description": "Caller may not manage the ledger"},
                    "404": {"description": "Fee not found"}
                }
            }
        },
        "/payments/{id}": {
            "put": {
                "tags": ["Payments"],
                "summary": "Correct a payment amount",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/EditPaymentRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Concurrent modification detected"}
                }
            },
            "delete": {
                "tags": ["Payments"],
                "summary": "Delete a payment",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "Deleted"}
                }
            }
        },
        "/payments/{id}/receipt": {
            "get": {
                "tags": ["Statements"],
                "summary": "Render a payment receipt PDF",
                "produces": ["application/pdf"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "PDF document"}
                }
            }
        },
        "/students": {
            "get": {
                "tags": ["Students"],
                "summary": "List students",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Students"],
                "summary": "Register student",
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/import": {
            "post": {
                "tags": ["Students"],
                "summary": "Bulk import students from CSV",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "file", "in": "formData", "required": true, "type": "file"}
                ],
                "responses": {
                    "200": {"description": "Per-row results", "schema": {"$ref": "#/definitions/ImportResult"}}
                }
            }
        },
        "/classes/{id}/collection": {
            "get": {
                "tags": ["Fees"],
                "summary": "Class fee collection summary",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/expenses": {
            "get": {
                "tags": ["Expenses"],
                "summary": "List expenses",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Expenses"],
                "summary": "Record expense",
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/statements": {
            "post": {
                "tags": ["Statements"],
                "summary": "Request an asynchronous statement or export",
                "responses": {
                    "202": {"description": "Job accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/statements/{id}": {
            "get": {
                "tags": ["Statements"],
                "summary": "Poll a statement job",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
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
        "CreateFeeRequest": {
            "type": "object",
            "properties": {
                "student_id": {"type": "string"},
                "description": {"type": "string"},
                "total_amount": {"type": "number"},
                "due_date": {"type": "string", "format": "date-time"}
            },
            "required": ["student_id", "description", "due_date"]
        },
        "UpdateFeeRequest": {
            "type": "object",
            "properties": {
                "description": {"type": "string"},
                "total_amount": {"type": "number"},
                "due_date": {"type": "string", "format": "date-time"}
            },
            "required": ["description", "due_date"]
        },
        "RecordPaymentRequest": {
            "type": "object",
            "properties": {
                "fee_id": {"type": "string"},
                "amount": {"type": "number"},
                "method": {"type": "string", "enum": ["CASH", "BANK_TRANSFER", "CREDIT_CARD", "UPI"]},
                "transaction_id": {"type": "string"},
                "paid_at": {"type": "string", "format": "date-time"}
            },
            "required": ["fee_id", "amount", "method"]
        },
        "EditPaymentRequest": {
            "type": "object",
            "properties": {
                "amount": {"type": "number"}
            },
            "required": ["amount"]
        },
        "ImportResult": {
            "type": "object",
            "properties": {
                "total": {"type": "integer"},
                "succeeded": {"type": "integer"},
                "failed": {"type": "integer"},
                "failures": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/ImportFailure"}
                }
            }
        },
        "ImportFailure": {
            "type": "object",
            "properties": {
                "line": {"type": "integer"},
                "nis": {"type": "string"},
                "stage": {"type": "string", "enum": ["VALIDATE", "DIRECTORY", "STUDENT", "COMPENSATE"]},
                "reason": {"type": "string"}
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
