package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS 允许前端跨域访问控制接口。
var CORS = cors.Handler(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
	MaxAge:         300,
})
