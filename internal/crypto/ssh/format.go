// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package ssh

import (
	"crypto"
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/security"
	"golang.org/x/crypto/ssh"
)

// ErrKeyFileExists is returned by WriteKeyFiles when a target already exists.
var ErrKeyFileExists = errors.New("key file already exists")

// Fingerprint returns the canonical identity of a public key.
func Fingerprint(pub ssh.PublicKey) string {
	return ssh.FingerprintSHA256(pub)
}

func newPublicKey(pub ssh.PublicKey, label string) model.PublicKey {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if label != "" {
		line = line + " " + label
	}
	return model.PublicKey{
		Identity: model.KeyIdentity{
			Algorithm:   pub.Type(),
			Fingerprint: Fingerprint(pub),
			Label:       label,
		},
		AuthorizedKey: line,
	}
}

// IdentityFromAuthorizedKey parses a public key line ("keytype base64
// [comment]", options allowed) into a PublicKey. When label is empty the
// line's comment is used as the label.
func IdentityFromAuthorizedKey(line, label string) (model.PublicKey, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return model.PublicKey{}, fmt.Errorf("invalid public key: %w", err)
	}
	if label == "" {
		label = comment
	}
	return newPublicKey(pub, label), nil
}

// ReadPublicKeyFile loads a public key. If path names a private key, the
// adjacent ".pub" file is read instead.
func ReadPublicKeyFile(path, label string) (model.PublicKey, error) {
	if !strings.HasSuffix(path, ".pub") {
		if _, err := os.Stat(path + ".pub"); err == nil {
			path += ".pub"
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.PublicKey{}, fmt.Errorf("failed to read public key %s: %w", path, err)
	}
	pk, err := IdentityFromAuthorizedKey(string(data), label)
	if err != nil {
		return model.PublicKey{}, fmt.Errorf("%s: %w", path, err)
	}
	if fi, err := os.Stat(path); err == nil {
		pk.Identity.CreatedAt = fi.ModTime().UTC()
	}
	return pk, nil
}

// MarshalPrivateKey re-encodes the private key of pair as OpenSSH PEM, encrypted
// when passphrase is not empty.
func MarshalPrivateKey(pair model.KeyPair, passphrase security.Secret) (security.Secret, error) {
	var out security.Secret
	err := pair.Private.Use(func(raw []byte) error {
		key, err := ssh.ParseRawPrivateKey(raw)
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}
		if p, ok := key.(*ed25519.PrivateKey); ok {
			key = *p
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, key)
		}
		b, err := marshalPrivate(signer, pair.Public.Identity.Label, passphrase)
		if err != nil {
			return err
		}
		out = security.Secret(b)
		return nil
	})
	return out, err
}

func marshalPrivate(signer crypto.Signer, comment string, passphrase security.Secret) ([]byte, error) {
	var block *pem.Block
	var err error
	if passphrase.IsEmpty() {
		block, err = ssh.MarshalPrivateKey(signer, comment)
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(signer, comment, passphrase.Bytes())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// WriteKeyFiles writes the private key to path (0600) and the public key to
// path.pub (0644). Existing files are only replaced when force is set.
func WriteKeyFiles(path string, pair model.KeyPair, passphrase security.Secret, force bool) error {
	pubPath := path + ".pub"
	if !force {
		for _, p := range []string{path, pubPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%w: %s", ErrKeyFileExists, p)
			}
		}
	}

	private := pair.Private
	if !passphrase.IsEmpty() {
		enc, err := MarshalPrivateKey(pair, passphrase)
		if err != nil {
			return err
		}
		private = enc
		defer private.Zero()
	}

	if err := private.Use(func(b []byte) error {
		return os.WriteFile(path, b, 0600)
	}); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(pair.Public.AuthorizedKey+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
