package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"apigate/pkg/constraints"
	"apigate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errProxyFailed = errors.New("proxy request failed")

// ProxyHandler relays browser calls under /proxy to the backend. Only the
// JSON content type and the caller's Authorization header are forwarded.
type ProxyHandler struct {
	baseURL string
	client  *http.Client
}

func NewProxyHandler(baseURL string, timeout time.Duration) *ProxyHandler {
	return &ProxyHandler{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// ProxyCORS sets the permissive proxy CORS headers. It runs ahead of the
// rest of the proxy chain so limiter rejections and recovered panics
// still reach the browser.
func ProxyCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Next()
	}
}

// Forward handles every method on /proxy/*path. Mount it behind ProxyCORS.
func (h *ProxyHandler) Forward(c *gin.Context) {
	if c.Request.Method == http.MethodOptions {
		c.Status(http.StatusNoContent)
		return
	}

	status, body, err := h.forward(c.Request.Context(), c.Request, c.Param("path"))
	if err != nil {
		logger.Warn("proxy request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Param("path")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": errProxyFailed.Error()})
		return
	}
	c.Data(status, constraints.ContentTypeJSON, body)
}

func (h *ProxyHandler) forward(ctx context.Context, in *http.Request, path string) (int, []byte, error) {
	target := h.baseURL + path
	if q := in.URL.Query(); len(q) > 0 {
		target += "?" + q.Encode()
	}

	var reader io.Reader
	if in.Method != http.MethodGet && in.Method != http.MethodDelete {
		if b := compactBody(in.Body); b != nil {
			reader = bytes.NewReader(b)
		}
	}

	out, err := http.NewRequestWithContext(ctx, in.Method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	out.Header.Set(constraints.HeaderContentType, constraints.ContentTypeJSON)
	if auth := in.Header.Get(constraints.HeaderAuthorization); auth != "" {
		out.Header.Set(constraints.HeaderAuthorization, auth)
	}

	resp, err := h.client.Do(out)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	if !json.Valid(raw) {
		raw = []byte("{}")
	}
	return resp.StatusCode, raw, nil
}

// compactBody returns the request body re-encoded as compact JSON, or nil
// when it is missing or not valid JSON.
func compactBody(body io.Reader) []byte {
	if body == nil {
		return nil
	}
	raw, err := io.ReadAll(body)
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil
	}
	return buf.Bytes()
}
