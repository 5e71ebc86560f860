package client

import (
	"context"
	"fmt"
	"net/http"

	"git.sr.ht/~jakintosh/atlantark/internal/logger"
	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/credential"
)

// Revoke asks the provider to end the session behind cred. Legacy tokens
// have nothing to revoke. Callers treat any error as advisory.
func (c *Client) Revoke(ctx context.Context, cred credential.Credential) error {
	var body any
	switch v := cred.(type) {
	case credential.Cookie:
	case credential.Pair:
		if v.Refresh != "" {
			body = api.LogoutRequest{RefreshToken: v.Refresh}
		}
	default:
		return nil
	}

	req, err := c.newRequest(ctx, http.MethodPost, api.PathLogout, body)
	if err != nil {
		return err
	}
	res, err := c.do(req, "logout")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer drain(res)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		err := httpError(res)
		c.log.Info("revoke rejected", logger.Op("logout"), logger.Status(res.StatusCode))
		return err
	}
	return nil
}
