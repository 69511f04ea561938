// Package linksecurity wraps a TCP side-channel connection (hidproxyctl
// dialing into hidproxy-h's optional remote listener, spec.md §4's "external
// controller" link, SPEC_FULL.md §4.12) with the same nonce handshake and
// chacha20poly1305-sealed framing the teacher uses for its management API,
// adapted to a pre-shared symmetric secret instead of a PBKDF2-stretched
// password: the side channel already derives and authenticates its own
// per-board key (sidechannel.DeriveBoardKey), so this layer only needs to
// turn the shared master secret into a per-connection session key before
// handing bytes to chacha20poly1305.
package linksecurity

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	HandshakeMagic = "HIDB1\x00"
	NonceSize      = 32
	authContext    = "hidbridge-link-v1"
)

var ErrUnauthorized = errors.New("linksecurity: unauthorized")

// DeriveSessionKey mixes the shared secret with both nonces so every
// connection gets a distinct chacha20poly1305 key even though the secret
// itself never changes.
func DeriveSessionKey(secret, serverNonce, clientNonce []byte) []byte {
	h := sha256.New()
	h.Write(secret)
	h.Write(serverNonce)
	h.Write(clientNonce)
	h.Write([]byte("hidbridge-session-v1"))
	return h.Sum(nil)
}

// HandleAuthHandshake performs the mutual nonce exchange: the client proves
// knowledge of secret by HMAC-tagging its own nonce, the server proves it
// back implicitly by being willing to answer at all (a party answering with
// serverNonce does so after verifying clientAuth). Returns both nonces so
// the caller can derive the session key.
func HandleAuthHandshake(r *bufio.Reader, w io.Writer, secret []byte, isClient bool) (clientNonce, serverNonce []byte, err error) {
	if len(secret) == 0 {
		return nil, nil, errors.New("linksecurity: missing secret")
	}

	if isClient {
		clientNonce = make([]byte, NonceSize)
		if _, err := rand.Read(clientNonce); err != nil {
			return nil, nil, fmt.Errorf("linksecurity: generate client nonce: %w", err)
		}

		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(authContext))
		mac.Write(clientNonce)
		clientAuth := mac.Sum(nil)

		msg := append([]byte(HandshakeMagic), clientNonce...)
		msg = append(msg, clientAuth...)
		if _, err := w.Write(msg); err != nil {
			return nil, nil, fmt.Errorf("linksecurity: write handshake: %w", err)
		}

		respPrefix := make([]byte, 3)
		if _, err := io.ReadFull(r, respPrefix); err != nil {
			return nil, nil, fmt.Errorf("linksecurity: read handshake response: %w", err)
		}
		if string(respPrefix) != "OK\x00" {
			return nil, nil, ErrUnauthorized
		}

		serverNonce = make([]byte, NonceSize)
		if _, err := io.ReadFull(r, serverNonce); err != nil {
			return nil, nil, fmt.Errorf("linksecurity: read server nonce: %w", err)
		}
		return clientNonce, serverNonce, nil
	}

	if _, err := r.Discard(len(HandshakeMagic)); err != nil {
		return nil, nil, fmt.Errorf("linksecurity: discard handshake magic: %w", err)
	}

	clientNonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(r, clientNonce); err != nil {
		return nil, nil, fmt.Errorf("linksecurity: read client nonce: %w", err)
	}

	clientAuth := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, clientAuth); err != nil {
		return nil, nil, fmt.Errorf("linksecurity: read client auth: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(authContext))
	mac.Write(clientNonce)
	if !hmac.Equal(clientAuth, mac.Sum(nil)) {
		// A rejected client reads this non-OK prefix and reports ErrUnauthorized.
		_, _ = w.Write([]byte("NO\x00"))
		return nil, nil, ErrUnauthorized
	}

	serverNonce = make([]byte, NonceSize)
	if _, err := rand.Read(serverNonce); err != nil {
		return nil, nil, fmt.Errorf("linksecurity: generate server nonce: %w", err)
	}
	if _, err := w.Write(append([]byte("OK\x00"), serverNonce...)); err != nil {
		return nil, nil, fmt.Errorf("linksecurity: write response: %w", err)
	}
	return clientNonce, serverNonce, nil
}

// IsHandshake reports whether the next bytes in r are the handshake magic,
// used by a listener to tell a fresh side-channel client from noise.
func IsHandshake(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(len(HandshakeMagic))
	if err != nil {
		return false, err
	}
	return string(b) == HandshakeMagic, nil
}
