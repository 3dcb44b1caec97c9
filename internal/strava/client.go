package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the production Strava endpoint. Tests point BaseURL at an
// httptest server instead.
const DefaultBaseURL = "https://www.strava.com"

const (
	authorizePath = "/oauth/authorize"
	tokenPath     = "/oauth/token"
	apiPrefix     = "/api/v3"

	maxResponseBytes = 4 << 20
)

var (
	// ErrUnauthorized indicates the platform rejected the access token. Callers
	// are expected to refresh once and retry the failing call.
	ErrUnauthorized = errors.New("strava: unauthorized")
	// ErrTokenEndpoint indicates a failed exchange or refresh call.
	ErrTokenEndpoint = errors.New("strava: token endpoint failure")
	// ErrRemoteFetch indicates a failed or malformed activity response.
	ErrRemoteFetch = errors.New("strava: remote fetch failed")

	errMissingClientID     = errors.New("strava: client id required")
	errMissingClientSecret = errors.New("strava: client secret required")
)

// ClientConfig bundles configuration for the Strava API client.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client is a typed wrapper over the subset of the Strava v3 API the service
// consumes: the OAuth token endpoint, single-activity fetch, and the
// paginated athlete activity listing.
type Client struct {
	clientID     string
	clientSecret string
	baseURL      string
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewClient constructs a Client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errMissingClientID
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errMissingClientSecret
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		baseURL:      baseURL,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// TokenGrant is the validated result of a code exchange or token refresh.
// Strava rotates the refresh token on every call; the previous one is dead
// the moment a grant is returned.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AthleteID    int64
	AthleteName  string
}

type tokenResponsePayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	Athlete      *struct {
		ID        int64  `json:"id"`
		FirstName string `json:"firstname"`
		LastName  string `json:"lastname"`
	} `json:"athlete"`
}

// AuthCodeURL builds the authorization redirect target embedding the client
// id, callback address, requested scopes, and the CSRF state.
func (c *Client) AuthCodeURL(redirectURI, scope, state string) string {
	query := url.Values{}
	query.Set("client_id", c.clientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("response_type", "code")
	query.Set("scope", scope)
	query.Set("state", state)
	return c.baseURL + authorizePath + "?" + query.Encode()
}

// Exchange trades an authorization code for a fresh token grant.
func (c *Client) Exchange(ctx context.Context, code string) (TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")

	grant, err := c.postToken(ctx, form)
	if err != nil {
		return TokenGrant{}, err
	}
	if grant.AthleteID == 0 {
		return TokenGrant{}, fmt.Errorf("%w: exchange response missing athlete id", ErrTokenEndpoint)
	}
	return grant, nil
}

// Refresh trades the current refresh token for a new grant. The refresh
// response carries no athlete object.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")
	return c.postToken(ctx, form)
}

func (c *Client) postToken(ctx context.Context, form url.Values) (TokenGrant, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenGrant{}, fmt.Errorf("%w: %v", ErrTokenEndpoint, err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return TokenGrant{}, fmt.Errorf("%w: %v", ErrTokenEndpoint, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return TokenGrant{}, fmt.Errorf("%w: status %d", ErrTokenEndpoint, response.StatusCode)
	}

	var payload tokenResponsePayload
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return TokenGrant{}, fmt.Errorf("%w: %v", ErrTokenEndpoint, err)
	}
	if payload.AccessToken == "" || payload.RefreshToken == "" || payload.ExpiresAt <= 0 {
		return TokenGrant{}, fmt.Errorf("%w: incomplete token response", ErrTokenEndpoint)
	}

	grant := TokenGrant{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Unix(payload.ExpiresAt, 0).UTC(),
	}
	if payload.Athlete != nil {
		grant.AthleteID = payload.Athlete.ID
		grant.AthleteName = strings.TrimSpace(payload.Athlete.FirstName + " " + payload.Athlete.LastName)
	}
	return grant, nil
}

// GetActivity fetches the full record for one activity.
func (c *Client) GetActivity(ctx context.Context, accessToken string, activityID int64) (Activity, error) {
	endpoint := fmt.Sprintf("%s%s/activities/%d", c.baseURL, apiPrefix, activityID)
	body, err := c.getAuthorized(ctx, accessToken, endpoint)
	if err != nil {
		return Activity{}, err
	}
	return parseActivity(body)
}

// ListActivities fetches one page of the athlete's activity listing, bounded
// below by the supplied timestamp.
func (c *Client) ListActivities(ctx context.Context, accessToken string, after time.Time, page, perPage int) ([]Activity, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(after.Unix(), 10))
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))
	endpoint := c.baseURL + apiPrefix + "/athlete/activities?" + query.Encode()

	body, err := c.getAuthorized(ctx, accessToken, endpoint)
	if err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	items := make([]Activity, 0, len(raws))
	for _, raw := range raws {
		item, err := parseActivity(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *Client) getAuthorized(ctx context.Context, accessToken, endpoint string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrRemoteFetch, response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	return body, nil
}
