package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/resilience"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

// Page selectors of the upstream console.
const (
	selModalClose    = ".semi-modal-close"
	selEmailTab      = "button[type='button'] span.semi-icon-mail"
	selUsernameField = "input[name='username']"
	selPasswordField = "input[name='password']"
	selSubmit        = "button[type='submit']"
)

var loginErrorSelectors = []string{".error-message", ".alert-danger", ".toast-error", "[role='alert']"}

// dismissScript closes an announcement modal: the X button first, then any
// button labelled with a close phrase. Returns which one was clicked, or an empty string.
const dismissScript = `(() => {
	const x = document.querySelector('.semi-modal-close');
	if (x && x.offsetParent !== null) { x.click(); return 'x'; }
	const labels = ['今日关闭', '关闭公告', '关闭'];
	for (const btn of document.querySelectorAll('button')) {
		const text = btn.textContent || '';
		if (labels.some(l => text.includes(l))) { btn.click(); return 'button'; }
	}
	return '';
})()`

const emailTabScript = `(() => {
	const el = document.querySelector("button[type='button'] span.semi-icon-mail");
	if (!el) return false;
	el.click();
	return true;
})()`

const logoutScript = `(() => {
	for (const sel of ["a[href*='logout']", '.logout-button']) {
		const el = document.querySelector(sel);
		if (el) { el.click(); return true; }
	}
	for (const el of document.querySelectorAll('button, a')) {
		const text = el.textContent || '';
		if ((text.includes('退出') || text.includes('登出')) && el.offsetParent !== null) {
			el.click();
			return true;
		}
	}
	return false;
})()`

type loginState int

const (
	stateNavigateTarget loginState = iota
	stateAlreadyAuthenticated
	stateAtLoginPage
	stateDismissInterstitial
	stateSelectCredentialMethod
	stateFillCredentials
	stateSubmit
	stateConfirmAuthenticated
	stateSuccess
)

var loginStateNames = map[loginState]string{
	stateNavigateTarget:         "navigate_target",
	stateAlreadyAuthenticated:   "already_authenticated",
	stateAtLoginPage:            "at_login_page",
	stateDismissInterstitial:    "dismiss_interstitial",
	stateSelectCredentialMethod: "select_credential_method",
	stateFillCredentials:        "fill_credentials",
	stateSubmit:                 "submit",
	stateConfirmAuthenticated:   "confirm_authenticated",
	stateSuccess:                "success",
}

func (s loginState) String() string { return loginStateNames[s] }

// LoginConfig holds the site address, retry policy and pacing of the login flow.
type LoginConfig struct {
	BaseURL      string
	Retries      int
	RetryDelay   time.Duration
	FieldTimeout time.Duration

	// Pauses that let the single-page app settle between steps.
	NavSettle  time.Duration
	PopupWait  time.Duration
	TabSwitch  time.Duration
	SubmitWait time.Duration
}

// DefaultLoginConfig returns the pacing the console needs in practice.
func DefaultLoginConfig(baseURL string, retries int, retryDelay time.Duration) LoginConfig {
	return LoginConfig{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Retries:      retries,
		RetryDelay:   retryDelay,
		FieldTimeout: 5 * time.Second,
		NavSettle:    800 * time.Millisecond,
		PopupWait:    500 * time.Millisecond,
		TabSwitch:    1500 * time.Millisecond,
		SubmitWait:   2 * time.Second,
	}
}

// Authenticator drives a session through the console login.
type Authenticator struct {
	cfg    LoginConfig
	logger *zap.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg LoginConfig, logger *zap.Logger) *Authenticator {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	return &Authenticator{cfg: cfg, logger: logger}
}

func (a *Authenticator) consoleURL() string { return a.cfg.BaseURL + "/console" }

// Login runs the state machine up to cfg.Retries times with cfg.RetryDelay
// between attempts. Only the final attempt's failure is reported.
func (a *Authenticator) Login(ctx context.Context, s port.Session, username, password string) port.LoginResult {
	ctx, span := tracer.Start(ctx, "Authenticator.Login")
	defer span.End()
	span.SetAttributes(attribute.String("account.username", username))

	err := resilience.RetryFixed(ctx, a.cfg.Retries, a.cfg.RetryDelay, domain.Retryable, func(attempt int) error {
		err := a.attempt(ctx, s, username, password)
		if err != nil {
			a.logger.Warn("login attempt failed",
				zap.String("username", username),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", a.cfg.Retries),
				zap.String("kind", string(domain.KindOf(err))),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		return port.LoginResult{Message: err.Error(), Err: err}
	}

	a.logger.Info("login succeeded", zap.String("username", username))
	return port.LoginResult{Success: true, Message: "login succeeded"}
}

func (a *Authenticator) attempt(ctx context.Context, s port.Session, username, password string) error {
	state := stateNavigateTarget
	for state != stateSuccess {
		next, err := a.step(ctx, state, s, username, password)
		if err != nil {
			return err
		}
		a.logger.Debug("login transition",
			zap.String("username", username),
			zap.Stringer("from", state),
			zap.Stringer("to", next),
		)
		state = next
	}
	return nil
}

func (a *Authenticator) step(ctx context.Context, state loginState, s port.Session, username, password string) (loginState, error) {
	switch state {
	case stateNavigateTarget:
		if err := s.Navigate(ctx, a.consoleURL()); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "open console", Err: err}
		}
		if err := sleepCtx(ctx, a.cfg.NavSettle); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "open console", Err: err}
		}
		loc, err := s.Location(ctx)
		if err != nil {
			return state, &domain.ErrTransientNetwork{Op: "read location", Err: err}
		}
		if strings.Contains(loc, "/login") {
			return stateAtLoginPage, nil
		}
		return stateAlreadyAuthenticated, nil

	case stateAlreadyAuthenticated:
		return stateConfirmAuthenticated, nil

	case stateAtLoginPage:
		if err := sleepCtx(ctx, a.cfg.PopupWait); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "wait for popup", Err: err}
		}
		return stateDismissInterstitial, nil

	case stateDismissInterstitial:
		var clicked string
		if err := s.Evaluate(ctx, dismissScript, &clicked); err != nil {
			a.logger.Debug("interstitial check failed", zap.Error(err))
		} else if clicked != "" {
			a.logger.Debug("interstitial dismissed", zap.String("via", clicked))
		}
		return stateSelectCredentialMethod, nil

	case stateSelectCredentialMethod:
		var clicked bool
		if err := s.Evaluate(ctx, emailTabScript, &clicked); err != nil {
			a.logger.Debug("email tab check failed", zap.Error(err))
		}
		if clicked {
			if err := sleepCtx(ctx, a.cfg.TabSwitch); err != nil {
				return state, &domain.ErrTransientNetwork{Op: "switch login tab", Err: err}
			}
		}
		return stateFillCredentials, nil

	case stateFillCredentials:
		if err := s.WaitVisible(ctx, selUsernameField, a.cfg.FieldTimeout); err != nil {
			if ctx.Err() != nil {
				return state, &domain.ErrTransientNetwork{Op: "wait for username field", Err: ctx.Err()}
			}
			return state, &domain.ErrStructural{Step: "fill_credentials", Message: "username field not found"}
		}
		if ok, err := s.Exists(ctx, selPasswordField); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "find password field", Err: err}
		} else if !ok {
			return state, &domain.ErrStructural{Step: "fill_credentials", Message: "password field not found"}
		}
		if err := s.SendKeys(ctx, selUsernameField, username); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "type username", Err: err}
		}
		if err := s.SendKeys(ctx, selPasswordField, password); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "type password", Err: err}
		}
		return stateSubmit, nil

	case stateSubmit:
		if ok, err := s.Exists(ctx, selSubmit); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "find submit button", Err: err}
		} else if !ok {
			return state, &domain.ErrStructural{Step: "submit", Message: "submit button not found"}
		}
		if err := s.Click(ctx, selSubmit); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "submit login form", Err: err}
		}
		if err := sleepCtx(ctx, a.cfg.SubmitWait); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "wait after submit", Err: err}
		}
		if err := s.Navigate(ctx, a.consoleURL()); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "reopen console", Err: err}
		}
		if err := sleepCtx(ctx, a.cfg.NavSettle); err != nil {
			return state, &domain.ErrTransientNetwork{Op: "reopen console", Err: err}
		}
		return stateConfirmAuthenticated, nil

	case stateConfirmAuthenticated:
		loc, err := s.Location(ctx)
		if err != nil {
			return state, &domain.ErrTransientNetwork{Op: "read location", Err: err}
		}
		if isAuthenticatedLocation(loc) {
			return stateSuccess, nil
		}
		return state, &domain.ErrCredential{Message: a.scrapeError(ctx, s)}
	}

	return state, &domain.ErrStructural{Step: state.String(), Message: "unknown login state"}
}

// scrapeError returns the first visible login error text, or "" when none is shown.
func (a *Authenticator) scrapeError(ctx context.Context, s port.Session) string {
	for _, sel := range loginErrorSelectors {
		text, err := s.Text(ctx, sel)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}

func isAuthenticatedLocation(loc string) bool {
	return strings.Contains(loc, "/console") && !strings.Contains(loc, "/login")
}

// Logout clicks the first logout control found on the page.
func (a *Authenticator) Logout(ctx context.Context, s port.Session) bool {
	var clicked bool
	if err := s.Evaluate(ctx, logoutScript, &clicked); err != nil {
		a.logger.Warn("logout failed", zap.Error(err))
		return false
	}
	if !clicked {
		a.logger.Warn("logout control not found")
	}
	return clicked
}

// LoginStatus reports whether the session is already signed in to the console.
func (a *Authenticator) LoginStatus(ctx context.Context, s port.Session) bool {
	if err := s.Navigate(ctx, a.consoleURL()); err != nil {
		a.logger.Warn("login status check failed", zap.Error(err))
		return false
	}
	if err := sleepCtx(ctx, a.cfg.NavSettle); err != nil {
		return false
	}
	loc, err := s.Location(ctx)
	if err != nil {
		return false
	}
	return isAuthenticatedLocation(loc)
}

// sleepCtx pauses for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ port.Authenticator = (*Authenticator)(nil)
