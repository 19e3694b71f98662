package app

import (
	"errors"
	"slices"
)

// ValidateSecurityConfig enforces the startup security policy.
// Fail-fast: the server never starts without a way to verify callers.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.PasetoPublicKeyHex == "" {
		return errors.New("security policy: CHAT_PASETO_PUBLIC_KEY_HEX is required")
	}

	if cfg.CORSAllowCredentials && slices.Contains(cfg.CORSAllowedOrigins, "*") {
		return errors.New("security policy: CHAT_CORS_ALLOW_CREDENTIALS=true cannot be combined with a \"*\" origin")
	}

	if cfg.WSDevInsecureOrigin && slices.Contains(cfg.WSAllowedOrigins, "*") && !cfg.WSOriginRequired {
		return errors.New("security policy: websocket origin checks are fully disabled; drop CHAT_WS_DEV_INSECURE_ORIGIN or restrict CHAT_WS_ALLOWED_ORIGINS")
	}

	return nil
}
