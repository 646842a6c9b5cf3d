// Package middleware holds the HTTP middleware wrapped around the layoutd API
package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler
