package driven

import "errors"

var (
	// ErrEncryptionKeyNotSet is returned when MYDATAPANEL_SECRET_KEY has not
	// been configured.
	ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set MYDATAPANEL_SECRET_KEY")

	// ErrKeyMismatch is returned when ciphertext cannot be authenticated with
	// the process key, typically because it was sealed under another key.
	ErrKeyMismatch = errors.New("ciphertext not sealed with the configured key")
)

// SecretBox encrypts plaintext secrets that must never be stored as-is.
type SecretBox interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
