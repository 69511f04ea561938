package cmd

import (
	"bufio"
	"log/slog"
	"net"

	"github.com/aep/hidbridge/internal/linksecurity"
	"github.com/aep/hidbridge/sidechannel"
)

// serveSideChannelListener accepts hidproxyctl connections on addr and
// answers each with its own sidechannel.Service sharing handler and keys
// with the serial-link service; every connection gets an independent
// encrypted session, so a slow or hostile controller can only ever affect
// its own connection.
func serveSideChannelListener(addr string, masterSecret []byte, handler sidechannel.Handler, keys *sidechannel.KeyStore, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("hidproxy-h: side-channel listener started", "addr", ln.Addr().String())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				logger.Warn("hidproxy-h: side-channel listener stopped", "error", err)
				return
			}
			go serveSideChannelConn(conn, masterSecret, handler, keys, logger)
		}
	}()
	return nil
}

func serveSideChannelConn(conn net.Conn, masterSecret []byte, handler sidechannel.Handler, keys *sidechannel.KeyStore, logger *slog.Logger) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	ok, err := linksecurity.IsHandshake(r)
	if err != nil || !ok {
		logger.Warn("hidproxy-h: rejected side-channel connection, bad handshake magic", "remote", conn.RemoteAddr())
		return
	}
	clientNonce, serverNonce, err := linksecurity.HandleAuthHandshake(r, conn, masterSecret, false)
	if err != nil {
		logger.Warn("hidproxy-h: side-channel handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	sessionKey := linksecurity.DeriveSessionKey(masterSecret, serverNonce, clientNonce)
	secured, err := linksecurity.WrapConn(conn, r, sessionKey)
	if err != nil {
		logger.Warn("hidproxy-h: failed to seal side-channel connection", "error", err)
		return
	}

	svc := sidechannel.NewService(handler, keys, &tcpSender{conn: secured}, logger)

	buf := make([]byte, 4096)
	for {
		n, err := secured.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		svc.HandleFrame(buf[:n])
	}
}

type tcpSender struct{ conn *linksecurity.Conn }

func (s *tcpSender) Send(frame []byte) error {
	_, err := s.conn.Write(frame)
	return err
}
