package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// AESSealer encrypts stored mailbox passwords with AES-GCM under a 16, 24 or 32 byte key
type AESSealer struct {
	Key []byte
}

func NewAESSealer(key string) *AESSealer {
	return &AESSealer{Key: []byte(key)}
}

func (s *AESSealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.Key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *AESSealer) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func (s *AESSealer) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	aead, err := s.gcm()
	if err != nil {
		return "", err
	}

	decoded, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	if len(decoded) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, body := decoded[:aead.NonceSize()], decoded[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
