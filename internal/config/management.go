package config

import "golang.org/x/crypto/bcrypt"

// CheckManagementKey verifies whether the provided key matches the configured
// administrative password, either in plaintext or as a bcrypt hash.
func CheckManagementKey(cfg *Config, candidate string) bool {
	if cfg == nil || candidate == "" {
		return false
	}
	if cfg.Security.Password != "" && candidate == cfg.Security.Password {
		return true
	}
	if isBcryptHash(cfg.Security.Password) {
		if err := bcrypt.CompareHashAndPassword([]byte(cfg.Security.Password), []byte(candidate)); err == nil {
			return true
		}
	}
	return false
}

func isBcryptHash(s string) bool {
	return len(s) >= 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

// ManagementKeyValidator returns a closure suitable for middleware validation.
func ManagementKeyValidator(cfg *Config) func(string) bool {
	return func(candidate string) bool {
		return CheckManagementKey(cfg, candidate)
	}
}
