package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/database"
	"github.com/gatehouse/gatehouse/internal/handlers"
	middlewareCustom "github.com/gatehouse/gatehouse/internal/middleware"
	"github.com/gatehouse/gatehouse/internal/repositories"
	"github.com/gatehouse/gatehouse/internal/routes"
	"github.com/gatehouse/gatehouse/internal/services"
	pkghttp "github.com/gatehouse/gatehouse/pkg/http"
	pkglogger "github.com/gatehouse/gatehouse/pkg/logger"
)

// SentEmail represents a captured reset token delivery
type SentEmail struct {
	To        string
	Token     string
	ExpiresAt time.Time
}

// MockEmailService captures reset tokens for test assertions instead of
// sending email
type MockEmailService struct {
	mu         sync.Mutex
	SentEmails []SentEmail
}

func (m *MockEmailService) SendResetToken(ctx context.Context, email, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentEmails = append(m.SentEmails, SentEmail{To: email, Token: token, ExpiresAt: expiresAt})
	return nil
}

// GetLastEmail returns the most recent delivery
func (m *MockEmailService) GetLastEmail() *SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.SentEmails) == 0 {
		return nil
	}
	return &m.SentEmails[len(m.SentEmails)-1]
}

// TestServer wraps httptest.Server with a real database and mocked email
type TestServer struct {
	Server       *httptest.Server
	DB           *database.DB
	EmailService *MockEmailService
	Config       *config.Config
	TokenManager *auth.TokenManager
}

// NewTestServer wires the full HTTP stack against the given database
func NewTestServer(db *database.DB) *TestServer {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:          "test-secret-32-characters-long-for-testing",
			SessionTokenExpiry: time.Hour,
			MaxFailedLogins:    5,
			LockoutDuration:    15 * time.Minute,
			ResetTokenExpiry:   time.Hour,
			CleanupInterval:    time.Hour,
		},
		Server: config.ServerConfig{
			Port:           "0",
			Env:            "test",
			AllowedOrigins: []string{},
			TrustedProxies: []string{},
		},
	}

	accountRepo := repositories.NewAccountRepository(db)
	mockEmail := &MockEmailService{}

	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.SessionTokenExpiry)
	auditLogger := pkglogger.NewAuditLogger(logger)

	authService := services.NewAuthService(
		accountRepo,
		tokenManager,
		mockEmail,
		logger,
		auditLogger,
		services.LockoutPolicy{
			MaxFailedLogins: cfg.Auth.MaxFailedLogins,
			LockoutDuration: cfg.Auth.LockoutDuration,
		},
		cfg.Auth.ResetTokenExpiry,
	)

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(authService, ipConfig)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	// Generous rate limits so test scenarios sharing the loopback IP do
	// not trip the limiter
	routeCfg := routes.Config{
		CredentialLimit: middlewareCustom.RateLimitConfig{Requests: 10000, Window: time.Minute},
		SessionLimit:    middlewareCustom.RateLimitConfig{Requests: 10000, Window: time.Minute},
	}

	r.Route("/api", func(r chi.Router) {
		routes.RegisterRoutes(r, routeCfg, authHandler, tokenManager)
	})

	return &TestServer{
		Server:       httptest.NewServer(r),
		DB:           db,
		EmailService: mockEmail,
		Config:       cfg,
		TokenManager: tokenManager,
	}
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with a session token
func (ts *TestServer) RequestWithAuth(method, path, sessionToken string, body interface{}) (*http.Response, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + sessionToken,
	}
	return ts.Request(method, path, body, headers)
}

// ParseJSONResponse parses a JSON response body into the target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// ExtractSessionToken pulls the session token from a register or login response
func ExtractSessionToken(resp *http.Response) (string, error) {
	var authResp struct {
		Token string `json:"token"`
	}
	if err := ParseJSONResponse(resp, &authResp); err != nil {
		return "", err
	}
	return authResp.Token, nil
}

// ErrorBody is the decoded shape of an API error response
type ErrorBody struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

// ParseErrorResponse decodes an error response body
func ParseErrorResponse(resp *http.Response) (*ErrorBody, error) {
	var body ErrorBody
	if err := ParseJSONResponse(resp, &body); err != nil {
		return nil, err
	}
	return &body, nil
}
