package sidechannel

import (
	"crypto/hmac"
	"crypto/sha256"
)

// DeriveBoardKey computes the per-board control-channel key from the
// bootstrap master secret and the board's unique identifier (platform.BoardID),
// HMAC-SHA256(masterSecret, boardID).
func DeriveBoardKey(masterSecret, boardID []byte) []byte {
	mac := hmac.New(sha256.New, masterSecret)
	mac.Write(boardID)
	return mac.Sum(nil)
}

// KeyStore resolves the key a frame should be authenticated under. A fresh
// board accepts frames under the bootstrap master secret so an operator can
// talk to it before it has ever proven its derived key works; the first
// frame that verifies under the derived key pins the store to that key and
// the master secret is no longer accepted, closing the bootstrap window.
type KeyStore struct {
	masterSecret []byte
	derivedKey   []byte
	pinned       bool
}

func NewKeyStore(masterSecret, boardID []byte) *KeyStore {
	return &KeyStore{
		masterSecret: masterSecret,
		derivedKey:   DeriveBoardKey(masterSecret, boardID),
	}
}

// Pin records that the derived key has now been proven to work. Once
// pinned, the master secret is only still accepted for GET_DEVICE_ID.
func (k *KeyStore) Pin() { k.pinned = true }

// Pinned reports whether bootstrap acceptance has closed for commands other
// than GET_DEVICE_ID.
func (k *KeyStore) Pinned() bool { return k.pinned }

// SigningKey returns the key outbound responses are signed with.
func (k *KeyStore) SigningKey() []byte {
	return k.derivedKey
}
