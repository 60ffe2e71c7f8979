package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/receipts-go/internal/credstore"
)

// tokenResponse is the body returned by login, registration and renewal.
type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (t tokenResponse) pair() (credstore.Pair, error) {
	if t.AccessToken == "" || t.RefreshToken == "" {
		return credstore.Pair{}, errors.New("api: token response missing accessToken or refreshToken")
	}

	return credstore.Pair{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}, nil
}

// refresh is the Coordinator's RenewFunc. It goes through send, not Do: the
// renewal endpoint is public and must never recurse into renewal.
func (c *Client) refresh(ctx context.Context, refreshToken string) (credstore.Pair, error) {
	req, err := NewJSONRequest(http.MethodPost, PathRefresh, map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return credstore.Pair{}, err
	}

	resp, _, err := c.send(ctx, req)
	c.metrics.Request(Classify(err).String())

	if err != nil {
		return credstore.Pair{}, err
	}

	var tr tokenResponse
	if err := resp.Decode(&tr); err != nil {
		return credstore.Pair{}, err
	}

	return tr.pair()
}

// Login exchanges email and password for a credential pair and stores it.
func (c *Client) Login(ctx context.Context, email, password string) error {
	req, err := NewJSONRequest(http.MethodPost, PathLogin, map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return err
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("api: login: %w", err)
	}

	var tr tokenResponse
	if err := resp.Decode(&tr); err != nil {
		return err
	}

	pair, err := tr.pair()
	if err != nil {
		return err
	}

	if err := c.store.Set(pair); err != nil {
		return fmt.Errorf("api: storing credentials: %w", err)
	}

	c.logger.Info("login successful")

	return nil
}

// Register creates an account. Servers that sign the user in immediately
// return a credential pair, which is stored; otherwise the account must be
// verified by email first and Register returns signedIn=false.
func (c *Client) Register(ctx context.Context, name, email, password string) (signedIn bool, err error) {
	req, err := NewJSONRequest(http.MethodPost, PathRegister, map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return false, err
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return false, fmt.Errorf("api: register: %w", err)
	}

	if len(resp.Body) == 0 {
		return false, nil
	}

	var tr tokenResponse
	if err := resp.Decode(&tr); err != nil {
		return false, err
	}

	pair, err := tr.pair()
	if err != nil {
		return false, nil //nolint:nilerr // no tokens means verification pending
	}

	if err := c.store.Set(pair); err != nil {
		return false, fmt.Errorf("api: storing credentials: %w", err)
	}

	return true, nil
}

// VerifyEmail confirms an email address with the token from the verification
// mail.
func (c *Client) VerifyEmail(ctx context.Context, token string) error {
	return c.postPublic(ctx, PathVerifyEmail, map[string]string{"token": token})
}

// RequestPasswordReset asks the server to mail a reset link.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	return c.postPublic(ctx, PathPasswordReset, map[string]string{"email": email})
}

// ConfirmPasswordReset sets a new password using the mailed reset token.
func (c *Client) ConfirmPasswordReset(ctx context.Context, token, password string) error {
	return c.postPublic(ctx, PathPasswordResetConfirm, map[string]string{
		"token":    token,
		"password": password,
	})
}

func (c *Client) postPublic(ctx context.Context, path string, body map[string]string) error {
	req, err := NewJSONRequest(http.MethodPost, path, body)
	if err != nil {
		return err
	}

	if _, err := c.Do(ctx, req); err != nil {
		return fmt.Errorf("api: %s: %w", path, err)
	}

	return nil
}

// Logout tells the server to revoke the session, then clears local
// credentials and publishes SessionEnded. The server call is best-effort and
// bypasses renewal; local teardown happens regardless of its result.
func (c *Client) Logout(ctx context.Context) {
	if _, ok := c.store.Get(); ok {
		_, _, serverErr := c.send(ctx, NewRequest(http.MethodPost, PathLogout, nil))
		c.metrics.Request(Classify(serverErr).String())

		if serverErr != nil {
			c.logger.Warn("server logout failed, clearing local credentials anyway",
				slog.String("error", serverErr.Error()),
			)
		}
	}

	c.coord.EndSession("logout")
}
