package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/hitzeman/RunNote/internal/credentials"
	"github.com/hitzeman/RunNote/internal/strava"
	"go.uber.org/zap"
)

const defaultScope = "read,activity:read_all"

var (
	// ErrAccessDenied indicates the athlete declined authorization on the
	// platform's consent screen.
	ErrAccessDenied = errors.New("oauth: authorization denied")
	// ErrMissingParameters indicates the callback arrived without a code or
	// state.
	ErrMissingParameters = errors.New("oauth: code and state required")
	// ErrTokenExchangeFailed indicates the code-for-token exchange failed.
	// The flow is not retried; the athlete must restart it.
	ErrTokenExchangeFailed = errors.New("oauth: token exchange failed")

	errMissingStates      = errors.New("oauth: state ledger required")
	errMissingPlatform    = errors.New("oauth: platform client required")
	errMissingCredentials = errors.New("oauth: credential store required")
	errMissingRedirectURL = errors.New("oauth: redirect url required")
	errInsecureRedirect   = errors.New("oauth: redirect url must use https outside loopback")
)

// PlatformAuthorizer is the slice of the platform client the flow needs.
type PlatformAuthorizer interface {
	AuthCodeURL(redirectURI, scope, state string) string
	Exchange(ctx context.Context, code string) (strava.TokenGrant, error)
}

// FlowControllerConfig describes the dependencies of the authorization flow.
type FlowControllerConfig struct {
	States      *StateLedger
	Platform    PlatformAuthorizer
	Credentials *credentials.Store
	RedirectURL string
	Scope       string
	Logger      *zap.Logger
}

// FlowController drives the redirect-based handshake that produces a
// credential.
type FlowController struct {
	states      *StateLedger
	platform    PlatformAuthorizer
	credentials *credentials.Store
	redirectURL string
	scope       string
	logger      *zap.Logger
}

// NewFlowController validates configuration up front: a plaintext callback
// address outside loopback is a configuration error, caught here rather than
// at redirect time.
func NewFlowController(cfg FlowControllerConfig) (*FlowController, error) {
	if cfg.States == nil {
		return nil, errMissingStates
	}
	if cfg.Platform == nil {
		return nil, errMissingPlatform
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	if err := validateRedirectURL(cfg.RedirectURL); err != nil {
		return nil, err
	}
	scope := cfg.Scope
	if scope == "" {
		scope = defaultScope
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlowController{
		states:      cfg.States,
		platform:    cfg.Platform,
		credentials: cfg.Credentials,
		redirectURL: cfg.RedirectURL,
		scope:       scope,
		logger:      logger,
	}, nil
}

func validateRedirectURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errMissingRedirectURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", errMissingRedirectURL, err)
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return errInsecureRedirect
	default:
		return errInsecureRedirect
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// BeginAuthorization issues a CSRF state and returns the authorization
// redirect target.
func (f *FlowController) BeginAuthorization(ctx context.Context) (string, error) {
	state, err := f.states.Issue(ctx)
	if err != nil {
		return "", err
	}
	return f.platform.AuthCodeURL(f.redirectURL, f.scope, state), nil
}

// CompletionResult identifies the athlete whose authorization completed.
type CompletionResult struct {
	AthleteID   int64
	AthleteName string
}

// CompleteAuthorization finishes the handshake: validates and consumes the
// state, exchanges the code, and upserts the credential keyed by the athlete
// id the platform returned. A denial reported by the platform does not
// consume the state.
func (f *FlowController) CompleteAuthorization(ctx context.Context, code, state, deniedReason string) (CompletionResult, error) {
	if deniedReason != "" {
		f.logger.Info("authorization denied by athlete", zap.String("reason", deniedReason))
		return CompletionResult{}, ErrAccessDenied
	}
	if code == "" || state == "" {
		return CompletionResult{}, ErrMissingParameters
	}

	if err := f.states.Consume(ctx, state); err != nil {
		return CompletionResult{}, err
	}

	grant, err := f.platform.Exchange(ctx, code)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}

	credential := credentials.Credential{
		AthleteID:    grant.AthleteID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
	}
	if err := f.credentials.Upsert(ctx, credential); err != nil {
		return CompletionResult{}, err
	}

	f.logger.Info("authorization completed", zap.Int64("athlete_id", grant.AthleteID))
	return CompletionResult{AthleteID: grant.AthleteID, AthleteName: grant.AthleteName}, nil
}
