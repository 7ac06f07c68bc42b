package v1

import "time"

type LoginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type RefreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResp is the token payload returned by the backend login and refresh
// endpoints.
type TokenResp struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in,omitempty"` // seconds
	// RefreshExpiresIn is optional; zero means the backend did not say.
	RefreshExpiresIn int64          `json:"refresh_expires_in,omitempty"`
	User             map[string]any `json:"user,omitempty"`
}

type RedirectReq struct {
	Target string `json:"target" binding:"required"`
}

// SessionInfo describes the caller's session state as seen by the edge.
type SessionInfo struct {
	Authenticated bool       `json:"authenticated"`
	AccessExpiry  *time.Time `json:"access_expiry,omitempty"`
	RefreshExpiry *time.Time `json:"refresh_expiry,omitempty"`
	RedirectTo    string     `json:"redirect_to,omitempty"`
}

// LoginResp is what the session login route returns to the browser. Tokens
// never leave the edge; they live in the session store.
type LoginResp struct {
	User       map[string]any `json:"user,omitempty"`
	RedirectTo string         `json:"redirect_to"`
}
