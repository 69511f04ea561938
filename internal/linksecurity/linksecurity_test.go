package linksecurity_test

import (
	"bufio"
	"net"
	"testing"

	"github.com/aep/hidbridge/internal/linksecurity"
	"github.com/stretchr/testify/require"
)

func handshakePair(t *testing.T, secret []byte) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		conn   net.Conn
		reader *bufio.Reader
		key    []byte
		err    error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			serverCh <- result{err: err}
			return
		}
		r := bufio.NewReader(c)
		clientNonce, serverNonce, err := linksecurity.HandleAuthHandshake(r, c, secret, false)
		if err != nil {
			serverCh <- result{err: err}
			return
		}
		serverCh <- result{conn: c, reader: r, key: linksecurity.DeriveSessionKey(secret, serverNonce, clientNonce)}
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	r := bufio.NewReader(c)
	clientNonce, serverNonce, err := linksecurity.HandleAuthHandshake(r, c, secret, true)
	require.NoError(t, err)
	clientKey := linksecurity.DeriveSessionKey(secret, serverNonce, clientNonce)

	res := <-serverCh
	require.NoError(t, res.err)

	clientConn, err := linksecurity.WrapConn(c, r, clientKey)
	require.NoError(t, err)
	serverConn, err := linksecurity.WrapConn(res.conn, res.reader, res.key)
	require.NoError(t, err)
	return clientConn, serverConn
}

func TestHandshakeAndSealedRoundTrip(t *testing.T) {
	secret := []byte("shared-master-secret")
	client, server := handshakePair(t, secret)
	defer client.Close()
	defer server.Close()

	msg := []byte("hello side channel")
	n, err := client.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, len(msg))
	n, err = server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer c.Close()
		r := bufio.NewReader(c)
		_, _, err = linksecurity.HandleAuthHandshake(r, c, []byte("server-secret"), false)
		errCh <- err
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	r := bufio.NewReader(c)
	_, _, err = linksecurity.HandleAuthHandshake(r, c, []byte("client-secret"), true)
	require.ErrorIs(t, err, linksecurity.ErrUnauthorized)

	require.ErrorIs(t, <-errCh, linksecurity.ErrUnauthorized)
}
