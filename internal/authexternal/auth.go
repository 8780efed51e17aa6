/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package authexternal implements the single external interface spec.md
// §6 says this module consumes from the credential collaborator:
// validate_credentials(user, pass) -> bool. Full credential
// provisioning is explicitly out of scope (spec.md §1); this package
// only verifies a password against an already-provisioned, salted
// PBKDF2-HMAC-SHA256 record, mirroring the original source's
// auth_service.py entry point without reimplementing the provisioning
// side it stubbed out.
package authexternal

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations matches common PBKDF2-HMAC-SHA256 guidance for an
// offline-capable ground station credential store; operators with
// stricter policy can provision records with a higher count.
const DefaultIterations = 210000

// KeyLen is the derived-key length in bytes (SHA-256 output size).
const KeyLen = sha256.Size

var (
	ErrInvalidRecord      = errors.New("auth: credential record is malformed")
	ErrInvalidCredentials = errors.New("auth: username or password is incorrect")
)

// Record is one provisioned credential: a username bound to a salted
// PBKDF2 derived key. Provisioning (creating/rotating Records) is the
// external collaborator's job; this package only verifies.
type Record struct {
	Username   string
	Salt       []byte
	Iterations int
	DerivedKey []byte
}

// Derive computes the PBKDF2-HMAC-SHA256 derived key for password
// under salt/iterations, for use both by a provisioning tool building
// Records and by ValidateCredentials verifying them.
func Derive(password string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, KeyLen, sha256.New)
}

// ValidateCredentials implements validate_credentials(user, pass) ->
// bool against a single known-good Record, using a constant-time
// comparison of the derived keys to avoid timing side channels on the
// maintenance laptop.
func ValidateCredentials(want Record, username, password string) (bool, error) {
	if len(want.Salt) == 0 || len(want.DerivedKey) != KeyLen {
		return false, ErrInvalidRecord
	}
	if username != want.Username {
		return false, nil
	}
	got := Derive(password, want.Salt, want.Iterations)
	return subtle.ConstantTimeCompare(got, want.DerivedKey) == 1, nil
}

// EncodeRecord renders a Record's salt/derived-key pair as hex for
// storage in a config file line; DecodeRecord is its inverse.
func EncodeRecord(r Record) (saltHex, keyHex string) {
	return hex.EncodeToString(r.Salt), hex.EncodeToString(r.DerivedKey)
}

// DecodeRecord parses the hex-encoded salt/key pair EncodeRecord
// produced back into a Record's binary fields.
func DecodeRecord(username, saltHex, keyHex string, iterations int) (Record, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return Record{}, ErrInvalidRecord
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return Record{}, ErrInvalidRecord
	}
	if len(key) != KeyLen {
		return Record{}, ErrInvalidRecord
	}
	return Record{Username: username, Salt: salt, Iterations: iterations, DerivedKey: key}, nil
}
