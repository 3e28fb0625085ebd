// Package auth provides Kalshi API authentication using RSA-PSS signatures.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// Credentials holds the API key and private key for signing requests.
type Credentials struct {
	KeyID      string          // API key ID from the Kalshi dashboard
	PrivateKey *rsa.PrivateKey // RSA private key for signing
}

// LoadCredentials builds credentials from a key ID and either an inline
// PEM string or a path to a PEM file. Inline PEM wins when both are set.
func LoadCredentials(keyID, privateKeyPEM, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, fmt.Errorf("API key ID is required")
	}

	var (
		key *rsa.PrivateKey
		err error
	)
	switch {
	case privateKeyPEM != "":
		key, err = ParsePrivateKeyPEM([]byte(privateKeyPEM))
	case privateKeyPath != "":
		key, err = LoadPrivateKey(privateKeyPath)
	default:
		return nil, fmt.Errorf("private key (inline PEM or file path) is required")
	}
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{KeyID: keyID, PrivateKey: key}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParsePrivateKeyPEM(data)
}

// ParsePrivateKeyPEM parses an RSA private key from PEM bytes.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// SignRequest generates authentication headers for a Kalshi API request.
// For WebSocket upgrades, method is "GET" and path is the WS path.
func (c *Credentials) SignRequest(method, path string) (map[string]string, error) {
	timestampMS := time.Now().UnixMilli()

	signature, err := c.signAt(timestampMS, method, path)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       c.KeyID,
		"KALSHI-ACCESS-TIMESTAMP": fmt.Sprintf("%d", timestampMS),
		"KALSHI-ACCESS-SIGNATURE": signature,
	}, nil
}

// signAt creates an RSA-PSS signature for the given request.
// Message format: timestamp_ms + method + path
func (c *Credentials) signAt(timestampMS int64, method, path string) (string, error) {
	message := fmt.Sprintf("%d%s%s", timestampMS, method, path)
	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

// WebSocketPath is the path used for WebSocket signature generation.
const WebSocketPath = "/trade-api/ws/v2"

// SignWebSocket generates authentication headers for the WebSocket upgrade.
func (c *Credentials) SignWebSocket() (map[string]string, error) {
	return c.SignRequest("GET", WebSocketPath)
}
