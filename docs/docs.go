// Package docs holds the Swagger description served at /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/queue/join": {
            "post": {
                "summary": "Join the event queue",
                "parameters": [{"description": "payload", "name": "req", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httpgin.JoinQueueRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.QueueEntry"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        },
        "/queue/{id}/status": {
            "get": {
                "summary": "Queue position and estimated wait",
                "parameters": [{"type": "string", "description": "Queue entry ID (uuid)", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.QueueStatus"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        },
        "/reservations": {
            "post": {
                "summary": "Create reservation (idempotent)",
                "parameters": [{"description": "payload", "name": "req", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httpgin.CreateReservationRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.Reservation"}, "headers": {"Idempotency-Key": {"type": "string", "description": "echo"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}},
                    "403": {"description": "queue required", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}},
                    "409": {"description": "capacity exceeded / idem in progress", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}},
                    "429": {"description": "rate limited", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        },
        "/reservations/{id}": {
            "get": {
                "summary": "Get reservation",
                "parameters": [{"type": "string", "description": "Reservation ID (uuid)", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Reservation"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        },
        "/reservations/{id}/confirm": {
            "post": {
                "summary": "Confirm reservation and issue entitlements",
                "description": "Issues paid entitlements in ISSUED state, keyed by the reservation id as order id. They activate when the payment webhook settles the order.",
                "parameters": [
                    {"type": "string", "description": "Reservation ID (uuid)", "name": "id", "in": "path", "required": true},
                    {"description": "payload", "name": "req", "in": "body", "schema": {"$ref": "#/definitions/httpgin.ConfirmReservationRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/httpgin.ConfirmReservationResponse"}},
                    "409": {"description": "already resolved", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}},
                    "410": {"description": "expired", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        },
        "/reservations/{id}/cancel": {
            "post": {
                "summary": "Cancel reservation",
                "parameters": [{"type": "string", "description": "Reservation ID (uuid)", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Reservation"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        },
        "/scan": {
            "post": {
                "description": "Denials are 200 with result DENIED and a reason code.",
                "summary": "Validate a credential at the door",
                "parameters": [{"description": "payload", "name": "req", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httpgin.ScanRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.ScanOutcome"}}
                }
            }
        },
        "/entitlements/{id}": {
            "get": {
                "summary": "Get entitlement",
                "parameters": [{"type": "string", "description": "Entitlement ID (uuid)", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Entitlement"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        },
        "/entitlements/{id}/credential": {
            "get": {
                "summary": "Current door credential of an entitlement",
                "parameters": [
                    {"type": "string", "description": "Entitlement ID (uuid)", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "Owner user ID", "name": "user_id", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/entitlement.Credential"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        },
        "/entitlements/{id}/transfer": {
            "post": {
                "summary": "Transfer an unused entitlement",
                "parameters": [
                    {"type": "string", "description": "Entitlement ID (uuid)", "name": "id", "in": "path", "required": true},
                    {"description": "payload", "name": "req", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httpgin.TransferRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Entitlement"}},
                    "409": {"description": "used or not active", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        },
        "/events/{id}/inventory": {
            "get": {
                "summary": "Inventory counters of an event",
                "parameters": [{"type": "string", "description": "Event ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/domain.InventoryCounter"}}}
                }
            }
        },
        "/payments/webhook": {
            "post": {
                "summary": "Payment collaborator webhook",
                "parameters": [
                    {"type": "string", "description": "sha256=<hex hmac of body>", "name": "X-Turnstile-Signature", "in": "header", "required": true},
                    {"description": "payload", "name": "req", "in": "body", "required": true, "schema": {"$ref": "#/definitions/payment.Event"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/payment.Result"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        },
        "/admin/events/{id}/tiers/{tier}": {
            "put": {
                "security": [{"AdminBearer": []}],
                "summary": "Set tier capacity",
                "parameters": [
                    {"type": "string", "description": "Event ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "Tier ID", "name": "tier", "in": "path", "required": true},
                    {"description": "payload", "name": "req", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httpgin.ConfigureTierRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.InventoryCounter"}},
                    "409": {"description": "capacity below held+sold", "schema": {"$ref": "#/definitions/httpgin.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.TierItem": {
            "type": "object",
            "properties": {"qty": {"type": "integer"}, "tier_id": {"type": "string"}}
        },
        "domain.InventoryCounter": {
            "type": "object",
            "properties": {
                "capacity": {"type": "integer"}, "event_id": {"type": "string"}, "held": {"type": "integer"},
                "sold": {"type": "integer"}, "tier_id": {"type": "string"}, "updated_at": {"type": "string"}
            }
        },
        "domain.QueueEntry": {
            "type": "object",
            "properties": {
                "id": {"type": "string"}, "event_id": {"type": "string"}, "user_id": {"type": "string"},
                "device_id": {"type": "string"}, "position": {"type": "integer"}, "state": {"type": "string"},
                "joined_at": {"type": "string"}, "admit_deadline": {"type": "string"}
            }
        },
        "domain.QueueStatus": {
            "type": "object",
            "properties": {
                "queue_id": {"type": "string"}, "event_id": {"type": "string"}, "position": {"type": "integer"},
                "state": {"type": "string"}, "estimated_wait_seconds": {"type": "integer"}, "admit_deadline": {"type": "string"}
            }
        },
        "domain.Reservation": {
            "type": "object",
            "properties": {
                "id": {"type": "string"}, "event_id": {"type": "string"}, "user_id": {"type": "string"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/domain.TierItem"}},
                "status": {"type": "string"}, "released": {"type": "boolean"},
                "created_at": {"type": "string"}, "expires_at": {"type": "string"}
            }
        },
        "domain.Entitlement": {
            "type": "object",
            "properties": {
                "id": {"type": "string"}, "event_id": {"type": "string"}, "order_id": {"type": "string"},
                "owner_user_id": {"type": "string"}, "tier_id": {"type": "string"}, "ticket_type": {"type": "string"},
                "gender_constraint": {"type": "string"}, "scan_count_allowed": {"type": "integer"},
                "scan_count_used": {"type": "integer"}, "state": {"type": "string"}, "valid_until": {"type": "string"}
            }
        },
        "domain.ScanOutcome": {
            "type": "object",
            "properties": {
                "scan_id": {"type": "string"}, "result": {"type": "string"}, "reason_code": {"type": "string"},
                "prior_state": {"type": "string"}, "entitlement": {"$ref": "#/definitions/domain.Entitlement"}
            }
        },
        "entitlement.Credential": {
            "type": "object",
            "properties": {
                "entitlement_id": {"type": "string"}, "token": {"type": "string"},
                "generation": {"type": "integer"}, "refresh_at": {"type": "string"}
            }
        },
        "payment.Event": {
            "type": "object",
            "properties": {
                "id": {"type": "string"}, "type": {"type": "string"}, "reservation_id": {"type": "string"},
                "order_id": {"type": "string"}, "ticket_type": {"type": "string"}
            }
        },
        "payment.Result": {
            "type": "object",
            "properties": {
                "event_id": {"type": "string"}, "type": {"type": "string"}, "order_id": {"type": "string"},
                "entitlements": {"type": "array", "items": {"$ref": "#/definitions/domain.Entitlement"}}
            }
        },
        "httpgin.ErrorResponse": {
            "type": "object",
            "properties": {"error": {"type": "string"}, "code": {"type": "string"}, "tier_id": {"type": "string"}}
        },
        "httpgin.JoinQueueRequest": {
            "type": "object",
            "required": ["event_id", "user_id"],
            "properties": {"event_id": {"type": "string"}, "user_id": {"type": "string"}, "device_id": {"type": "string"}}
        },
        "httpgin.CreateReservationRequest": {
            "type": "object",
            "required": ["event_id", "user_id", "items"],
            "properties": {
                "event_id": {"type": "string"}, "user_id": {"type": "string"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/domain.TierItem"}},
                "ttl_sec": {"type": "integer"}, "queue_entry_id": {"type": "string"}
            }
        },
        "httpgin.ConfirmReservationRequest": {
            "type": "object",
            "properties": {
                "claim_source": {"type": "string"}
            }
        },
        "httpgin.ConfirmReservationResponse": {
            "type": "object",
            "properties": {
                "reservation_id": {"type": "string"}, "order_id": {"type": "string"},
                "entitlements": {"type": "array", "items": {"$ref": "#/definitions/domain.Entitlement"}}
            }
        },
        "httpgin.ScanRequest": {
            "type": "object",
            "required": ["credential", "event_id", "scanner_id"],
            "properties": {
                "credential": {"type": "string"}, "event_id": {"type": "string"},
                "scanner_id": {"type": "string"}, "attendee_gender": {"type": "string"}
            }
        },
        "httpgin.TransferRequest": {
            "type": "object",
            "required": ["from_user_id", "to_user_id"],
            "properties": {"from_user_id": {"type": "string"}, "to_user_id": {"type": "string"}}
        },
        "httpgin.ConfigureTierRequest": {
            "type": "object",
            "required": ["capacity"],
            "properties": {"capacity": {"type": "integer", "minimum": 0}}
        }
    },
    "securityDefinitions": {
        "AdminBearer": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Turnstile API",
	Description:      "Admission queue, reservations, entitlements and door scanning for live events.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
