// Package gateway exposes the HTTP surface: per-platform webhook routes,
// a JWT-authenticated generic command endpoint, and health. Signature
// verification is pluggable per platform and runs before normalization.
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/seobaike/remotegate/pkg/api"
	"github.com/seobaike/remotegate/pkg/dispatch"
	"github.com/seobaike/remotegate/pkg/identity"
	"github.com/seobaike/remotegate/pkg/platform"
)

// Verifier checks a webhook body against the platform's signature
// scheme. Verification happens before any payload parsing.
type Verifier interface {
	Verify(r *http.Request, body []byte) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(r *http.Request, body []byte) error

func (f VerifierFunc) Verify(r *http.Request, body []byte) error { return f(r, body) }

const maxWebhookBody = 1 << 20 // 1 MiB

// gatewaySchema validates the generic command payload. Args are bare
// tokens in the same order they would appear in chat.
const gatewaySchema = `{
	"type": "object",
	"required": ["command", "user_id"],
	"properties": {
		"command": {"type": "string", "minLength": 1, "maxLength": 64},
		"user_id": {"type": "string", "minLength": 1, "maxLength": 128},
		"sub_command": {"type": "string", "maxLength": 128},
		"args": {
			"type": "array",
			"items": {"type": "string", "maxLength": 256},
			"maxItems": 16
		}
	},
	"additionalProperties": false
}`

// Server routes inbound HTTP to the dispatcher.
type Server struct {
	dispatcher *dispatch.Dispatcher
	registry   *platform.Registry
	verifiers  map[identity.Platform]Verifier
	jwtSecret  []byte
	schema     *jsonschema.Schema
	limiter    *api.GlobalRateLimiter
	logger     *slog.Logger
}

// Config collects the Server's collaborators. A zero RPS disables the
// per-IP limiter; an empty JWTSecret disables the generic endpoint.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *platform.Registry
	JWTSecret  []byte
	RPS        int
	Burst      int
	Logger     *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := jsonschema.CompileString("gateway.json", gatewaySchema)
	if err != nil {
		return nil, fmt.Errorf("compile gateway schema: %w", err)
	}
	var limiter *api.GlobalRateLimiter
	if cfg.RPS > 0 {
		limiter = api.NewGlobalRateLimiter(cfg.RPS, cfg.Burst)
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		registry:   cfg.Registry,
		verifiers:  make(map[identity.Platform]Verifier),
		jwtSecret:  cfg.JWTSecret,
		schema:     schema,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// RegisterVerifier installs the signature check for one platform.
// Platforms without a verifier accept unverified webhooks; only do that
// behind infrastructure that verifies upstream.
func (s *Server) RegisterVerifier(p identity.Platform, v Verifier) {
	s.verifiers[p] = v
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook/{platform}", s.handleWebhook)
	mux.HandleFunc("POST /api/gateway", s.handleGateway)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	p, err := identity.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		api.WriteNotFound(w, "unknown platform")
		return
	}
	normalizer, err := s.registry.Normalizer(p)
	if err != nil {
		api.WriteNotFound(w, "platform not enabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		api.WriteBadRequest(w, "unreadable body")
		return
	}

	if verifier, ok := s.verifiers[p]; ok {
		if err := verifier.Verify(r, body); err != nil {
			s.logger.Warn("webhook signature rejected", "platform", p, "error", err)
			api.WriteUnauthorized(w, "signature verification failed")
			return
		}
	}

	msg, err := normalizer.Normalize(body)
	if err != nil {
		api.WriteBadRequest(w, "malformed webhook payload")
		return
	}
	if msg == nil {
		// Nothing actionable; acknowledge so the platform stops retrying.
		w.WriteHeader(http.StatusOK)
		return
	}

	reply := s.dispatcher.Dispatch(r.Context(), msg)
	if replier, err := s.registry.Replier(p); err == nil {
		if err := replier.Reply(r.Context(), msg, reply); err != nil {
			s.logger.Warn("reply delivery failed", "platform", p, "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

type gatewayRequest struct {
	Command    string   `json:"command"`
	UserID     string   `json:"user_id"`
	SubCommand string   `json:"sub_command"`
	Args       []string `json:"args"`
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	if len(s.jwtSecret) == 0 {
		api.WriteNotFound(w, "gateway endpoint disabled")
		return
	}
	if err := s.authorize(r); err != nil {
		api.WriteUnauthorized(w, "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		api.WriteBadRequest(w, "unreadable body")
		return
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		api.WriteBadRequest(w, "body is not valid JSON")
		return
	}
	if err := s.schema.Validate(raw); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	var req gatewayRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.WriteBadRequest(w, "body is not valid JSON")
		return
	}

	msg := &platform.Message{
		Platform:       identity.PlatformWeb,
		PlatformUserID: req.UserID,
		Text:           buildCommandText(req),
	}
	reply := s.dispatcher.Dispatch(r.Context(), msg)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"reply": reply})
}

func (s *Server) authorize(r *http.Request) error {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return fmt.Errorf("missing bearer token")
	}
	_, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	return nil
}

func buildCommandText(req gatewayRequest) string {
	parts := []string{"/" + strings.TrimPrefix(req.Command, "/")}
	if req.SubCommand != "" {
		parts = append(parts, req.SubCommand)
	}
	parts = append(parts, req.Args...)
	return strings.Join(parts, " ")
}
