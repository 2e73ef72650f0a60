// Package response provides response envelopes for the HTTP and tool
// surfaces.
package response

import (
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// =============================================================================
// Standard API Response
// =============================================================================

// Response is the standard API response structure.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta contains pagination and other metadata.
type Meta struct {
	Total    int    `json:"total,omitempty"`
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	HasMore  bool   `json:"has_more,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}

// =============================================================================
// Response Builders
// =============================================================================

// OK returns a successful response.
func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(Response{
		Success: true,
		Data:    data,
	})
}

// OKWithMeta returns a successful response with metadata.
func OKWithMeta(c *fiber.Ctx, data interface{}, meta *Meta) error {
	return c.JSON(Response{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

// Created returns a 201 created response.
func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(201).JSON(Response{
		Success: true,
		Data:    data,
	})
}

// NoContent returns a 204 no content response.
func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(204)
}

// Error returns an error response.
func Error(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest returns a 400 bad request response.
func BadRequest(c *fiber.Ctx, message string) error {
	return Error(c, 400, "BAD_REQUEST", message)
}

// Unauthorized returns a 401 unauthorized response.
func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, 401, "UNAUTHORIZED", message)
}

// NotFound returns a 404 not found response.
func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, 404, "NOT_FOUND", message)
}

// InternalError returns a 500 internal server error response.
func InternalError(c *fiber.Ctx, message string) error {
	return Error(c, 500, "INTERNAL_ERROR", message)
}

// =============================================================================
// Tool Call Envelope
// =============================================================================

// ToolContent is one content block in a tool call result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the envelope returned by every tool call. Results are
// serialized as a single text content block holding the JSON payload.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolError is the structured error payload carried inside a tool result.
type ToolError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewToolResult wraps an arbitrary payload in the tool envelope.
func NewToolResult(payload interface{}) (*ToolResult, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &ToolResult{
		Content: []ToolContent{{Type: "text", Text: string(text)}},
	}, nil
}

// NewToolError wraps a structured error in the tool envelope.
func NewToolError(code, message string, details map[string]interface{}) *ToolResult {
	payload := map[string]interface{}{
		"error": ToolError{Code: code, Message: message, Details: details},
	}
	text, _ := json.Marshal(payload)
	return &ToolResult{
		Content: []ToolContent{{Type: "text", Text: string(text)}},
		IsError: true,
	}
}

// =============================================================================
// Pagination Helper
// =============================================================================

// PaginationParams extracts pagination parameters from a request.
type PaginationParams struct {
	Page     int
	PageSize int
	Offset   int
	Limit    int
}

// GetPagination extracts pagination params from a request.
func GetPagination(c *fiber.Ctx, defaultPageSize, maxPageSize int) *PaginationParams {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}

	pageSize := c.QueryInt("page_size", defaultPageSize)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return &PaginationParams{
		Page:     page,
		PageSize: pageSize,
		Offset:   (page - 1) * pageSize,
		Limit:    pageSize,
	}
}
