package api

// VerifyRequest carries exactly one of the two token fields. Cookie-mode
// verification sends no body at all.
type VerifyRequest struct {
	AccessToken string `json:"access_token,omitempty"`
	Token       string `json:"token,omitempty"`
}

// VerifyResponse is returned with 200 from /auth/verify. Older deployments
// also send valid; when present and false the token was not accepted.
type VerifyResponse struct {
	User  *UserProfile `json:"user"`
	Valid *bool        `json:"valid,omitempty"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RefreshResponse is empty in cookie mode, where the server rotates the
// HttpOnly cookies instead.
type RefreshResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}
