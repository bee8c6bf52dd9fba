// Package coreid converts core public keys to and from their printable ids.
//
// Ids are 52 character z-base-32 strings. Decoding also accepts the 64
// character hex form so keys copied from other tools keep working.
package coreid

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// KeySize is the length of a core public key in bytes.
const KeySize = 32

// ErrInvalidKey is returned when a string is not a valid core key.
var ErrInvalidKey = errors.New("invalid core key")

var zbase32 = base32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(base32.NoPadding)

// discoveryNamespace keys the discovery hash so the announced topic never
// reveals the public key.
var discoveryNamespace = []byte("hypercore")

// Decode parses a z-base-32 or hex encoded core key.
func Decode(id string) ([]byte, error) {
	id = strings.TrimSpace(id)
	switch len(id) {
	case 52:
		key, err := zbase32.DecodeString(id)
		if err != nil || len(key) != KeySize {
			return nil, ErrInvalidKey
		}
		return key, nil
	case 64:
		key, err := hex.DecodeString(id)
		if err != nil {
			return nil, ErrInvalidKey
		}
		return key, nil
	default:
		return nil, ErrInvalidKey
	}
}

// Encode returns the canonical id of a public key.
func Encode(key []byte) string {
	return zbase32.EncodeToString(key)
}

// Normalize returns the canonical id for any accepted key encoding.
func Normalize(id string) (string, error) {
	key, err := Decode(id)
	if err != nil {
		return "", err
	}
	return Encode(key), nil
}

// DiscoveryKey derives the topic a core is announced under.
func DiscoveryKey(publicKey []byte) []byte {
	h, err := blake2b.New256(publicKey)
	if err != nil {
		// only possible for keys longer than 64 bytes
		panic(err)
	}
	h.Write(discoveryNamespace)
	return h.Sum(nil)
}
