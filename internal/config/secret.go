package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/danmuck/linkctl/internal/protocol/crypt"
)

var (
	ErrNoSecret          = errors.New("config: no shared secret configured")
	ErrConflictingSecret = errors.New("config: more than one shared secret source configured")
)

// ResolveSecret loads the shared secret from exactly one of the configured
// sources. Relative paths are taken relative to baseDir.
func (s SecretFields) ResolveSecret(baseDir string) (crypt.SharedSecret, error) {
	material, err := s.material(baseDir)
	if err != nil {
		return crypt.SharedSecret{}, err
	}
	return crypt.NewSharedSecret(material)
}

func (s SecretFields) material(baseDir string) ([]byte, error) {
	sources := 0
	for _, v := range []string{s.Secret, s.SecretFile, s.SealedSecretFile} {
		if strings.TrimSpace(v) != "" {
			sources++
		}
	}
	switch {
	case sources == 0:
		return nil, ErrNoSecret
	case sources > 1:
		return nil, ErrConflictingSecret
	}

	switch {
	case s.Secret != "":
		return []byte(s.Secret), nil
	case s.SecretFile != "":
		data, err := os.ReadFile(resolvePath(baseDir, s.SecretFile))
		if err != nil {
			return nil, fmt.Errorf("config: read secret file: %w", err)
		}
		return trimSecret(data)
	default:
		if strings.TrimSpace(s.AgeIdentityFile) == "" {
			return nil, fmt.Errorf("config: sealed_secret_file requires age_identity_file")
		}
		return OpenSealedSecret(resolvePath(baseDir, s.SealedSecretFile), resolvePath(baseDir, s.AgeIdentityFile))
	}
}

// SealSecret encrypts secret to the given age recipients (age1...) and
// returns ASCII-armored ciphertext suitable for a sealed_secret_file.
func SealSecret(secret string, recipients ...string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("config: at least one age recipient is required")
	}
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, key := range recipients {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("config: parse recipient %q: %w", key, err)
		}
		parsed = append(parsed, r)
	}

	var buf bytes.Buffer
	armored := armor.NewWriter(&buf)
	w, err := age.Encrypt(armored, parsed...)
	if err != nil {
		return nil, fmt.Errorf("config: age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, secret); err != nil {
		return nil, fmt.Errorf("config: age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("config: age encrypt: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("config: age armor: %w", err)
	}
	return buf.Bytes(), nil
}

// OpenSealedSecret decrypts an age file (armored or binary) with the
// identities in identityPath.
func OpenSealedSecret(sealedPath, identityPath string) ([]byte, error) {
	idFile, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("config: open age identity: %w", err)
	}
	defer idFile.Close()
	identities, err := age.ParseIdentities(idFile)
	if err != nil {
		return nil, fmt.Errorf("config: parse age identity: %w", err)
	}

	sealed, err := os.Open(sealedPath)
	if err != nil {
		return nil, fmt.Errorf("config: open sealed secret: %w", err)
	}
	defer sealed.Close()

	br := bufio.NewReader(sealed)
	var src io.Reader = br
	if head, _ := br.Peek(len(armor.Header)); string(head) == armor.Header {
		src = armor.NewReader(br)
	}
	r, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("config: decrypt sealed secret: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: decrypt sealed secret: %w", err)
	}
	return trimSecret(data)
}

func trimSecret(data []byte) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, crypt.ErrEmptySecret
	}
	return data, nil
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
