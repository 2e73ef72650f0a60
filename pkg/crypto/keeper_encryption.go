package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrInvalidPadding    = errors.New("invalid padding")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor handles AES-256-CBC encryption/decryption for token files.
// The 32-byte key is derived from the configured secret via SHA-256.
// The random IV is prepended to the ciphertext.
type Encryptor struct {
	key []byte
}

// NewEncryptor creates a new encryptor from the given secret.
func NewEncryptor(secret []byte) (*Encryptor, error) {
	if len(secret) == 0 {
		return nil, errors.New("encryption secret must not be empty")
	}
	hash := sha256.Sum256(secret)
	return &Encryptor{key: hash[:]}, nil
}

// Encrypt encrypts plaintext and returns IV-prefixed ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	ciphertext := make([]byte, aes.BlockSize+len(padded))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext[aes.BlockSize:], padded)

	return ciphertext, nil
}

// Decrypt decrypts IV-prefixed ciphertext.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv, encrypted := data[:aes.BlockSize], data[aes.BlockSize:]

	plaintext := make([]byte, len(encrypted))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, encrypted)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-padding], nil
}

// =============================================================================
// Token File Store
// =============================================================================

// TokenStore persists encrypted OAuth tokens under
// <storageRoot>/tokens/<user_id>_token.enc.
type TokenStore struct {
	root      string
	encryptor *Encryptor
}

// NewTokenStore creates a token store rooted at storageRoot.
func NewTokenStore(storageRoot string, encryptor *Encryptor) (*TokenStore, error) {
	dir := filepath.Join(storageRoot, "tokens")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token dir: %w", err)
	}
	return &TokenStore{root: dir, encryptor: encryptor}, nil
}

func (s *TokenStore) path(userID string) string {
	return filepath.Join(s.root, userID+"_token.enc")
}

// Save encrypts and writes the serialized token for a user.
func (s *TokenStore) Save(userID string, token []byte) error {
	encrypted, err := s.encryptor.Encrypt(token)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(userID), encrypted, 0o600)
}

// Load reads and decrypts the token for a user. Returns os.ErrNotExist when
// no token has been stored.
func (s *TokenStore) Load(userID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		return nil, err
	}
	plaintext, err := s.encryptor.Decrypt(data)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Delete removes the stored token for a user.
func (s *TokenStore) Delete(userID string) error {
	err := os.Remove(s.path(userID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
