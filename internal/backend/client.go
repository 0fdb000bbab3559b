// Package backend implements the HTTP client for the remote auth provider.
// All calls run through a circuit breaker so a failing provider sheds load
// quickly instead of tying up refresh attempts.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/openparish/parishd/internal/domain"
	apperrors "github.com/openparish/parishd/internal/errors"
	"github.com/openparish/parishd/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// Client talks to the auth provider's REST surface.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New creates a client for the provider at baseURL. timeout <= 0 uses the
// default per-request timeout.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	settings := gobreaker.Settings{
		Name:        "auth-backend",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerStateChanges.WithLabelValues("backend", to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("backend").Set(breakerStateValue(to))
		},
		// Token rejections are the caller's problem, not a provider outage.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var classified *apperrors.Error
			return errors.As(err, &classified) && classified.Class == apperrors.ClassAuthentication
		},
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

type userPayload struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	Metadata  struct {
		Name     string `json:"name"`
		CenterID string `json:"center_id"`
		RoleName string `json:"role_name"`
	} `json:"user_metadata"`
}

func (p userPayload) toUser() *domain.User {
	return &domain.User{
		ID:        p.ID,
		Email:     p.Email,
		Name:      p.Metadata.Name,
		CenterID:  p.Metadata.CenterID,
		RoleName:  p.Metadata.RoleName,
		CreatedAt: p.CreatedAt,
	}
}

type tokenPayload struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    int64        `json:"expires_at"`
	ExpiresIn    int64        `json:"expires_in"`
	User         *userPayload `json:"user"`
}

// GetCurrentUser resolves the user behind a live access token.
func (c *Client) GetCurrentUser(ctx context.Context, accessToken string) (*domain.User, error) {
	body, err := c.do(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil)
	if err != nil {
		return nil, err
	}

	var payload userPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.UnknownError("unreadable user response", err)
	}
	if payload.ID == "" {
		return nil, apperrors.AuthenticationError("token resolved to no user", nil)
	}
	return payload.toUser(), nil
}

// RefreshSession exchanges a refresh token for a new token set.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*domain.SessionArtifact, error) {
	reqBody, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, apperrors.UnknownError("failed to encode refresh request", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", reqBody)
	if err != nil {
		return nil, err
	}

	var payload tokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.UnknownError("unreadable token response", err)
	}
	if payload.AccessToken == "" {
		return nil, apperrors.AuthenticationError("refresh produced no access token", nil)
	}

	expiresAt := payload.ExpiresAt
	if expiresAt == 0 && payload.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second).Unix()
	}

	art := &domain.SessionArtifact{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    expiresAt,
	}
	if payload.User != nil {
		art.User = payload.User.toUser()
	}
	return art, nil
}

// SignOut revokes the session server-side.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil)
	return err
}

// Ping checks provider reachability without touching auth state.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", "", nil)
	return err
}

// do runs one request through the circuit breaker and maps failures into the
// error taxonomy.
func (c *Client) do(ctx context.Context, method, path, accessToken string, body []byte) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("apikey", c.apiKey)
		}
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, statusError(resp.StatusCode, data)
		}
		return data, nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return result.([]byte), nil
}

func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("backend returned status %d", status)
	if len(body) > 0 && len(body) < 256 {
		msg = fmt.Sprintf("%s: %s", msg, body)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.AuthenticationError(msg, nil)
	case status == http.StatusTooManyRequests:
		return apperrors.BackendUnavailableError(msg, nil)
	case status >= 500:
		return apperrors.BackendUnavailableError(msg, nil)
	default:
		return apperrors.UnknownError(msg, nil)
	}
}

func mapError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.BackendUnavailableError("auth backend circuit breaker is open", err)
	}

	var classified *apperrors.Error
	if errors.As(err, &classified) {
		return classified
	}
	return apperrors.As(err)
}
