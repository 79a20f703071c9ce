// Package secretstore implements C3: an encrypted, per-configuration secret
// bag with reference-expansion at dispatch time. Ciphertext is stored via
// domain.SecretStorer; this package owns the plaintext boundary.
package secretstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalforge/aggregator/internal/crypto"
	"github.com/signalforge/aggregator/internal/domain"
)

const envPrefix = "process.env."

// Store resolves "process.env.NAME" parameter references into plaintext at
// dispatch time. With a key configured, SecretStorer rows hold only
// ciphertext; with a nil key, values are stored as given.
type Store struct {
	backing domain.SecretStorer
	key     []byte // nil disables encryption (plaintext passthrough)
}

func New(backing domain.SecretStorer, key []byte) *Store {
	return &Store{backing: backing, key: key}
}

// Set encrypts and stores plaintext under (configID, name). Encryption is a
// no-op passthrough when s.key is empty (crypto.Encrypt).
func (s *Store) Set(ctx context.Context, configID, name, plaintext string) error {
	value, err := crypto.Encrypt(plaintext, s.key)
	if err != nil {
		return fmt.Errorf("encrypt secret %q: %w", name, err)
	}
	return s.backing.SetSecret(ctx, configID, name, value)
}

func (s *Store) Delete(ctx context.Context, configID, name string) error {
	return s.backing.DeleteSecret(ctx, configID, name)
}

func (s *Store) Names(ctx context.Context, configID string) ([]string, error) {
	return s.backing.ListSecretNames(ctx, configID)
}

// Resolve looks up and decrypts a single named secret, returning
// *domain.MissingSecretError when absent.
func (s *Store) Resolve(ctx context.Context, configID, name string) (string, error) {
	stored, ok, err := s.backing.GetSecret(ctx, configID, name)
	if err != nil {
		return "", fmt.Errorf("load secret %q: %w", name, err)
	}
	if !ok {
		return "", &domain.MissingSecretError{Name: name}
	}
	plain, err := crypto.Decrypt(stored, s.key)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return plain, nil
}

// ExpandParams walks a plugin declaration's parameter tree and replaces any
// string value equal to "process.env.NAME" with the plaintext secret. This
// is the single place secrets enter plaintext form (design note in
// SPEC_FULL.md §9: the recursive walk is the whole audit surface).
func (s *Store) ExpandParams(ctx context.Context, configID string, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := s.expandValue(ctx, configID, v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (s *Store) expandValue(ctx context.Context, configID string, v any) (any, error) {
	switch val := v.(type) {
	case string:
		if name, ok := strings.CutPrefix(val, envPrefix); ok {
			return s.Resolve(ctx, configID, name)
		}
		return val, nil
	case map[string]any:
		return s.ExpandParams(ctx, configID, val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := s.expandValue(ctx, configID, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
