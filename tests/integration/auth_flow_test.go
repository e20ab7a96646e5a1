package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *TestDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	db, err := SetupTestDatabase(ctx)
	if err != nil {
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	testDB.Teardown(ctx)
	os.Exit(code)
}

func newCleanServer(t *testing.T) *TestServer {
	t.Helper()
	require.NoError(t, testDB.CleanupTables(context.Background()))
	ts := NewTestServer(testDB.DB)
	t.Cleanup(ts.Close)
	return ts
}

func TestRegisterLoginProfileFlow(t *testing.T) {
	ts := newCleanServer(t)
	username, email, password := TestCredentials("flow")

	// Register
	resp, err := ts.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token, err := ExtractSessionToken(resp)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Profile with the registration token
	resp, err = ts.RequestWithAuth(http.MethodGet, "/api/auth/profile", token, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var profile struct {
		Username  string  `json:"username"`
		Email     string  `json:"email"`
		LastLogin *string `json:"last_login"`
	}
	require.NoError(t, ParseJSONResponse(resp, &profile))
	assert.Equal(t, username, profile.Username)
	assert.Equal(t, email, profile.Email)
	assert.Nil(t, profile.LastLogin, "no login yet")

	// Login by username
	resp, err = ts.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"identifier": username,
		"password":   password,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token, err = ExtractSessionToken(resp)
	require.NoError(t, err)

	// Profile now carries last_login
	resp, err = ts.RequestWithAuth(http.MethodGet, "/api/auth/profile", token, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, ParseJSONResponse(resp, &profile))
	assert.NotNil(t, profile.LastLogin)

	// Logout is acknowledged
	resp, err = ts.RequestWithAuth(http.MethodGet, "/api/auth/logout", token, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterConflicts(t *testing.T) {
	ts := newCleanServer(t)
	username, email, password := TestCredentials("conflict")

	resp, err := ts.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"username": username, "email": email, "password": password,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Same email with different casing
	resp, err = ts.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"username": username + "x", "email": "TEST-" + email[5:], "password": password,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := ParseErrorResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "conflict", body.Error)

	// Same username with different casing, new email
	_, otherEmail, _ := TestCredentials("other")
	resp, err = ts.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"username": "USER" + username[4:], "email": otherEmail, "password": password,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err = ParseErrorResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "conflict", body.Error)
}

func TestRegisterValidationReportsAllFields(t *testing.T) {
	ts := newCleanServer(t)

	resp, err := ts.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"username": "ab", "email": "not-an-email", "password": "weak",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, err := ParseErrorResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "validation_failed", body.Error)

	var details []struct {
		Field string `json:"field"`
	}
	require.NoError(t, json.Unmarshal(body.Details, &details))
	fields := make(map[string]bool)
	for _, d := range details {
		fields[d.Field] = true
	}
	assert.True(t, fields["username"])
	assert.True(t, fields["email"])
	assert.True(t, fields["password"])
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	ts := newCleanServer(t)
	username, email, password := TestCredentials("lockout")
	_, err := SeedAccount(context.Background(), testDB.Pool, username, email, password)
	require.NoError(t, err)

	// Four wrong attempts count down
	for want := 4; want >= 1; want-- {
		resp, err := ts.Request(http.MethodPost, "/api/auth/login", map[string]string{
			"identifier": username, "password": "wrong-password",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		body, err := ParseErrorResponse(resp)
		require.NoError(t, err)
		assert.Equal(t, "invalid_credentials", body.Error)

		var detail struct {
			AttemptsRemaining int `json:"attempts_remaining"`
		}
		require.NoError(t, json.Unmarshal(body.Details, &detail))
		assert.Equal(t, want, detail.AttemptsRemaining)
	}

	// Fifth wrong attempt locks the account
	resp, err := ts.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"identifier": username, "password": "wrong-password",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body, err := ParseErrorResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "account_locked", body.Error)

	var detail struct {
		MinutesRemaining int `json:"minutes_remaining"`
	}
	require.NoError(t, json.Unmarshal(body.Details, &detail))
	assert.Equal(t, 15, detail.MinutesRemaining)

	// The correct password is also rejected while locked
	resp, err = ts.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"identifier": username, "password": password,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body, err = ParseErrorResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "account_locked", body.Error)
}

func TestExpiredLockClearsOnNextLogin(t *testing.T) {
	ts := newCleanServer(t)
	username, email, password := TestCredentials("lapsed")
	account, err := SeedLockedAccount(context.Background(), testDB.Pool, username, email, password, 15*time.Minute)
	require.NoError(t, err)

	require.NoError(t, ExpireLock(context.Background(), testDB.Pool, account.ID))

	resp, err := ts.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"identifier": username, "password": password,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token, err := ExtractSessionToken(resp)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestUnknownIdentifierLooksLikeWrongPassword(t *testing.T) {
	ts := newCleanServer(t)

	resp, err := ts.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"identifier": "nobody-here", "password": "whatever123",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, err := ParseErrorResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "invalid_credentials", body.Error)
	assert.Equal(t, "Invalid credentials", body.Message)
}

func TestPasswordResetFlow(t *testing.T) {
	ts := newCleanServer(t)
	username, email, password := TestCredentials("reset")
	_, err := SeedAccount(context.Background(), testDB.Pool, username, email, password)
	require.NoError(t, err)

	// Request a reset
	resp, err := ts.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{
		"email": email,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	sent := ts.EmailService.GetLastEmail()
	require.NotNil(t, sent)
	assert.Equal(t, email, sent.To)
	require.NotEmpty(t, sent.Token)

	// Redeem the token
	const newPassword = "BrandNew!Pass1"
	resp, err = ts.Request(http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token": sent.Token, "new_password": newPassword,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Old password no longer works
	resp, err = ts.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"identifier": email, "password": password,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// New password does
	resp, err = ts.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"identifier": email, "password": newPassword,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The token is spent
	resp, err = ts.Request(http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token": sent.Token, "new_password": "YetAnother!Pass1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := ParseErrorResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "invalid_or_expired_token", body.Error)
}

func TestForgotPasswordUnknownEmailSameResponse(t *testing.T) {
	ts := newCleanServer(t)

	resp, err := ts.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{
		"email": "unknown@example.com",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, ParseJSONResponse(resp, &body))
	assert.Contains(t, body["msg"], "If that email is registered")
	assert.Nil(t, ts.EmailService.GetLastEmail())
}

func TestExpiredResetTokenRejected(t *testing.T) {
	ts := newCleanServer(t)
	username, email, password := TestCredentials("expired")
	account, err := SeedAccount(context.Background(), testDB.Pool, username, email, password)
	require.NoError(t, err)

	resp, err := ts.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{
		"email": email,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	sent := ts.EmailService.GetLastEmail()
	require.NotNil(t, sent)

	require.NoError(t, ExpireResetToken(context.Background(), testDB.Pool, account.ID))

	resp, err = ts.Request(http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token": sent.Token, "new_password": "BrandNew!Pass1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := ParseErrorResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "invalid_or_expired_token", body.Error)
}

func TestResetLiftsLockout(t *testing.T) {
	ts := newCleanServer(t)
	username, email, password := TestCredentials("unlock")
	_, err := SeedLockedAccount(context.Background(), testDB.Pool, username, email, password, 15*time.Minute)
	require.NoError(t, err)

	resp, err := ts.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{
		"email": email,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	sent := ts.EmailService.GetLastEmail()
	require.NotNil(t, sent)

	const newPassword = "BrandNew!Pass1"
	resp, err = ts.Request(http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token": sent.Token, "new_password": newPassword,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The lock is gone along with the old password
	resp, err = ts.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"identifier": username, "password": newPassword,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestProfileRequiresSession(t *testing.T) {
	ts := newCleanServer(t)

	resp, err := ts.Request(http.MethodGet, "/api/auth/profile", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp, err = ts.RequestWithAuth(http.MethodGet, "/api/auth/profile", "garbage-token", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}
