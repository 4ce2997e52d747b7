package api

import (
	"encoding/json"
	"net/http"
)

type (
	// Context carries one API request.
	Context struct {
		Request *http.Request
		Writer  http.ResponseWriter
	}

	// Handler serves one route.
	Handler func(ctx *Context)

	Json map[string]any
)

// JSON writes data as the response body.
func (ctx *Context) JSON(code int, data any) {
	buf, err := json.Marshal(data)
	if err != nil {
		ctx.Writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	ctx.Data(code, "application/json", buf)
}

// Data writes body with the given content type.
func (ctx *Context) Data(code int, contentType string, body []byte) {
	ctx.Writer.Header().Set("Content-Type", contentType)
	ctx.Writer.WriteHeader(code)

	_, _ = ctx.Writer.Write(body)
}

// Error writes a JSON error body.
func (ctx *Context) Error(code int, msg string) {
	ctx.JSON(code, Json{"error": msg})
}

// Param returns the path parameter declared as :key in the route.
func (ctx *Context) Param(key string) string {
	return ctx.Request.PathValue(key)
}

// Flag reports whether the query parameter key is set to 1 or true.
func (ctx *Context) Flag(key string) bool {
	switch ctx.Request.URL.Query().Get(key) {
	case "1", "true":
		return true
	}

	return false
}
