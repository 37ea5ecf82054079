package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/service"
	"github.com/GTJasonMK/AnyRounterTool/internal/testutil"
)

const testSite = "https://console.test"

var loginForm = map[string]string{
	"input[name='username']": "",
	"input[name='password']": "",
	"button[type='submit']":  "登录",
}

func newAuthenticator(retries int) *service.Authenticator {
	cfg := service.LoginConfig{BaseURL: testSite, Retries: retries}
	return service.NewAuthenticator(cfg, zap.NewNop())
}

// loginSite simulates the console: every page redirects to /login until the
// submit button is clicked with the expected password typed in.
func loginSite(password string) *testutil.FakeSession {
	s := testutil.NewFakeSession()
	s.SetElements(loginForm)
	authed := false
	s.NavigateFn = func(url string) string {
		if authed {
			return url
		}
		return testSite + "/login"
	}
	s.ClickFn = func(fs *testutil.FakeSession, selector string) {
		if selector == "button[type='submit']" && fs.Typed["input[name='password']"] == password {
			authed = true
		}
	}
	return s
}

func TestLogin_FullFlow(t *testing.T) {
	s := loginSite("secret")

	res := newAuthenticator(3).Login(context.Background(), s, "alice", "secret")

	require.True(t, res.Success, res.Message)
	assert.NoError(t, res.Err)
	assert.Equal(t, "alice", s.Typed["input[name='username']"])
	assert.Equal(t, []string{testSite + "/console", testSite + "/console"}, s.Navigations)
	assert.Equal(t, []string{"button[type='submit']"}, s.Clicks)
}

func TestLogin_AlreadyAuthenticated(t *testing.T) {
	s := testutil.NewFakeSession()

	res := newAuthenticator(3).Login(context.Background(), s, "alice", "secret")

	require.True(t, res.Success)
	navs, clicks := s.Calls()
	assert.Equal(t, 1, navs)
	assert.Zero(t, clicks)
	assert.Empty(t, s.Typed)
}

func TestLogin_CredentialRejectionIsRetried(t *testing.T) {
	s := loginSite("secret")
	form := map[string]string{".error-message": "  Invalid username or password  "}
	for k, v := range loginForm {
		form[k] = v
	}
	s.SetElements(form)

	res := newAuthenticator(3).Login(context.Background(), s, "alice", "wrong")

	require.False(t, res.Success)
	var credErr *domain.ErrCredential
	require.True(t, errors.As(res.Err, &credErr))
	assert.Equal(t, "Invalid username or password", res.Message)
	assert.Len(t, s.Navigations, 6, "every attempt opens the console and reopens it after submit")
	assert.Len(t, s.Clicks, 3)
}

func TestLogin_CredentialRejectionWithoutMessage(t *testing.T) {
	s := loginSite("secret")

	res := newAuthenticator(1).Login(context.Background(), s, "alice", "wrong")

	require.False(t, res.Success)
	assert.Equal(t, "login failed", res.Message)
	assert.Equal(t, domain.KindCredential, domain.KindOf(res.Err))
}

func TestLogin_MissingFieldIsStructuralAndRetried(t *testing.T) {
	s := loginSite("secret")
	s.SetElements(map[string]string{})

	res := newAuthenticator(3).Login(context.Background(), s, "alice", "secret")

	require.False(t, res.Success)
	assert.Equal(t, domain.KindStructural, domain.KindOf(res.Err))
	assert.Contains(t, res.Message, "username field not found")
	assert.Len(t, s.Navigations, 3)
}

func TestLogin_MissingSubmitButton(t *testing.T) {
	s := loginSite("secret")
	s.SetElements(map[string]string{
		"input[name='username']": "",
		"input[name='password']": "",
	})

	res := newAuthenticator(1).Login(context.Background(), s, "alice", "secret")

	var structural *domain.ErrStructural
	require.True(t, errors.As(res.Err, &structural))
	assert.Equal(t, "submit", structural.Step)
}

func TestLogin_NavigationFailureIsTransient(t *testing.T) {
	s := testutil.NewFakeSession()
	s.NavigateErr = errors.New("net::ERR_CONNECTION_RESET")

	res := newAuthenticator(2).Login(context.Background(), s, "alice", "secret")

	require.False(t, res.Success)
	assert.Equal(t, domain.KindTransientNetwork, domain.KindOf(res.Err))
	assert.Len(t, s.Navigations, 2)
}

func TestLogout(t *testing.T) {
	a := newAuthenticator(1)

	s := testutil.NewFakeSession()
	s.EvalFn = func(script string) (any, error) { return strings.Contains(script, "logout"), nil }
	assert.True(t, a.Logout(context.Background(), s))

	missing := testutil.NewFakeSession()
	missing.EvalFn = func(string) (any, error) { return false, nil }
	assert.False(t, a.Logout(context.Background(), missing))
}

func TestLoginStatus(t *testing.T) {
	a := newAuthenticator(1)

	assert.True(t, a.LoginStatus(context.Background(), testutil.NewFakeSession()))
	assert.False(t, a.LoginStatus(context.Background(), loginSite("secret")))
}
