// Package custody keeps signing keys and secret settings encrypted at rest.
package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	EncryptionKeyEnv     = "RH_CUSTODY_ENCRYPTION_KEY"
	EncryptionPrevKeyEnv = "RH_CUSTODY_ENCRYPTION_PREV_KEY"

	sealVersion = "aes-gcm-v1"
)

var ErrNoKey = errors.New("custody: encryption key not configured")

type sealedValue struct {
	Enc   string `json:"enc"`
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

// Sealer encrypts with the primary key and decrypts with the primary or the
// previous key, so keys can be rotated without a migration.
type Sealer struct {
	primary cipher.AEAD
	all     []cipher.AEAD
}

func SealerFromEnv() (*Sealer, error) {
	return NewSealer(os.Getenv(EncryptionKeyEnv), os.Getenv(EncryptionPrevKeyEnv))
}

func NewSealer(primary, previous string) (*Sealer, error) {
	primary = strings.TrimSpace(primary)
	previous = strings.TrimSpace(previous)
	if primary == "" {
		return nil, ErrNoKey
	}
	s := &Sealer{}
	for i, k := range []string{primary, previous} {
		if k == "" || (i == 1 && k == primary) {
			continue
		}
		keyBytes := parseKey(k)
		if len(keyBytes) == 0 {
			return nil, fmt.Errorf("custody: key %d shorter than 16 bytes", i)
		}
		gcm, err := newGCM(keyBytes)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			s.primary = gcm
		}
		s.all = append(s.all, gcm)
	}
	return s, nil
}

// Seal encrypts plain bound to aad; the same aad is required to open it.
func (s *Sealer) Seal(aad string, plain []byte) (string, error) {
	if s == nil || s.primary == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, s.primary.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := s.primary.Seal(nil, nonce, plain, normalizeAAD(aad))
	out, err := json.Marshal(sealedValue{
		Enc:   sealVersion,
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		Data:  base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *Sealer) Open(aad, sealed string) ([]byte, error) {
	if s == nil || len(s.all) == 0 {
		return nil, ErrNoKey
	}
	payload, ok := parseSealed([]byte(sealed))
	if !ok {
		return nil, fmt.Errorf("custody: value is not sealed")
	}
	nonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return nil, fmt.Errorf("custody: bad nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("custody: bad ciphertext: %w", err)
	}
	for _, gcm := range s.all {
		if pt, err := gcm.Open(nil, nonce, ct, normalizeAAD(aad)); err == nil {
			return pt, nil
		}
	}
	return nil, fmt.Errorf("custody: no key opens value")
}

// Reseal re-encrypts a value under the primary key. The bool is false when the
// value was already sealed with it.
func (s *Sealer) Reseal(aad, sealed string) (string, bool, error) {
	plain, err := s.Open(aad, sealed)
	if err != nil {
		return "", false, err
	}
	if s.primary != nil {
		if payload, ok := parseSealed([]byte(sealed)); ok {
			nonce, _ := base64.StdEncoding.DecodeString(payload.Nonce)
			ct, _ := base64.StdEncoding.DecodeString(payload.Data)
			if _, err := s.primary.Open(nil, nonce, ct, normalizeAAD(aad)); err == nil {
				return sealed, false, nil
			}
		}
	}
	out, err := s.Seal(aad, plain)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// ProtectSetting seals secret-looking setting values and passes others
// through. A nil Sealer stores values as given.
func (s *Sealer) ProtectSetting(key string, raw []byte) ([]byte, error) {
	if !IsSensitiveSetting(key) || s == nil {
		return raw, nil
	}
	out, err := s.Seal(key, raw)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// RevealSetting opens a sealed setting value. Unsealed values are returned
// unchanged so settings written before a key was configured still read.
func (s *Sealer) RevealSetting(key string, raw []byte) []byte {
	if !IsSensitiveSetting(key) || s == nil {
		return raw
	}
	if _, ok := parseSealed(raw); !ok {
		return raw
	}
	pt, err := s.Open(key, string(raw))
	if err != nil {
		return raw
	}
	return pt
}

// IsSensitiveSetting reports whether a setting key names a secret.
func IsSensitiveSetting(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, m := range []string{"secret", "token", "password", "api_key", "private_key"} {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}

func parseSealed(raw []byte) (sealedValue, bool) {
	var payload sealedValue
	if err := json.Unmarshal(raw, &payload); err != nil {
		return sealedValue{}, false
	}
	if payload.Enc != sealVersion || payload.Nonce == "" || payload.Data == "" {
		return sealedValue{}, false
	}
	return payload, true
}

func normalizeAAD(aad string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(aad)))
}

// parseKey accepts base64 or raw bytes and trims to the nearest AES size.
func parseKey(k string) []byte {
	keyBytes, err := base64.StdEncoding.DecodeString(k)
	if err != nil {
		keyBytes = []byte(k)
	}
	switch n := len(keyBytes); {
	case n < 16:
		return nil
	case n < 24:
		return keyBytes[:16]
	case n < 32:
		return keyBytes[:24]
	default:
		return keyBytes[:32]
	}
}

func newGCM(keyBytes []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
