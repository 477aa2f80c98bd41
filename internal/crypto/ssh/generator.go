// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package ssh provides cryptographic helpers for SSH key operations.
// This file contains logic for generating new SSH key pairs.
package ssh // import "github.com/toeirei/keyfleet/internal/crypto/ssh"

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/security"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrUnsupportedAlgorithm is returned for unknown algorithms or sizes.
	ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")
	// ErrEntropy is returned when the system random source fails.
	ErrEntropy = errors.New("entropy source failure")
)

// Algorithm names accepted by Generate.
const (
	AlgorithmEd25519 = "ed25519"
	AlgorithmRSA     = "rsa"
	AlgorithmECDSA   = "ecdsa"
)

const (
	defaultRSABits   = 3072
	minRSABits       = 2048
	maxRSABits       = 16384
	defaultECDSABits = 256
)

// Package-level so tests can substitute a failing reader or a fixed clock.
var (
	randReader io.Reader = rand.Reader
	now                  = time.Now
)

// NormalizeAlgorithm maps user input such as "ssh-ed25519" or "RSA" onto
// one of the Algorithm constants.
func NormalizeAlgorithm(alg string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(alg)) {
	case "", "ed25519", "ssh-ed25519":
		return AlgorithmEd25519, nil
	case "rsa", "ssh-rsa":
		return AlgorithmRSA, nil
	case "ecdsa", "ecdsa-sha2-nistp256", "ecdsa-sha2-nistp384", "ecdsa-sha2-nistp521":
		return AlgorithmECDSA, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}

// Generate creates a new key pair of the requested algorithm and size. bits
// is ignored for ed25519; zero selects the algorithm default. The label
// becomes the public key comment.
func Generate(algorithm string, bits int, label string) (model.KeyPair, error) {
	alg, err := NormalizeAlgorithm(algorithm)
	if err != nil {
		return model.KeyPair{}, err
	}

	var signer crypto.Signer
	switch alg {
	case AlgorithmEd25519:
		_, priv, err := ed25519.GenerateKey(randReader)
		if err != nil {
			return model.KeyPair{}, fmt.Errorf("%w: %v", ErrEntropy, err)
		}
		signer = priv
	case AlgorithmRSA:
		if bits == 0 {
			bits = defaultRSABits
		}
		if bits < minRSABits || bits > maxRSABits {
			return model.KeyPair{}, fmt.Errorf("%w: rsa key size %d (allowed %d-%d)", ErrUnsupportedAlgorithm, bits, minRSABits, maxRSABits)
		}
		priv, err := rsa.GenerateKey(randReader, bits)
		if err != nil {
			return model.KeyPair{}, fmt.Errorf("%w: %v", ErrEntropy, err)
		}
		signer = priv
	case AlgorithmECDSA:
		curve, err := ecdsaCurve(bits)
		if err != nil {
			return model.KeyPair{}, err
		}
		priv, err := ecdsa.GenerateKey(curve, randReader)
		if err != nil {
			return model.KeyPair{}, fmt.Errorf("%w: %v", ErrEntropy, err)
		}
		signer = priv
	}

	sshPub, err := ssh.NewPublicKey(signer.Public())
	if err != nil {
		return model.KeyPair{}, fmt.Errorf("failed to create SSH public key: %w", err)
	}

	pemBytes, err := marshalPrivate(signer, label, nil)
	if err != nil {
		return model.KeyPair{}, err
	}

	pub := newPublicKey(sshPub, label)
	pub.Identity.CreatedAt = now().UTC()
	return model.KeyPair{Public: pub, Private: security.Secret(pemBytes)}, nil
}

func ecdsaCurve(bits int) (elliptic.Curve, error) {
	switch bits {
	case 0, 256:
		return elliptic.P256(), nil
	case 384:
		return elliptic.P384(), nil
	case 521:
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("%w: ecdsa curve size %d (allowed 256, 384, 521)", ErrUnsupportedAlgorithm, bits)
}
