package config

import (
	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "mkvbot"

	// KeyTelegramToken and KeyDiscordToken name the stored bot tokens.
	KeyTelegramToken = "bot_token"
	KeyDiscordToken  = "discord_token"
)

// StoreToken saves a token to the OS keyring.
func StoreToken(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetToken retrieves a token from the OS keyring.
// Returns empty string if not found or the keyring is unavailable.
func GetToken(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteToken removes a token from the OS keyring.
func DeleteToken(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	const probe = "__mkvbot_probe__"
	if err := keyring.Set(keyringService, probe, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}
