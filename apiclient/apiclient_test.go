package apiclient_test

import (
	"bufio"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aep/hidbridge/apiclient"
	"github.com/aep/hidbridge/hidrd"
	"github.com/aep/hidbridge/internal/linksecurity"
	"github.com/aep/hidbridge/sidechannel"
)

type testSender struct{ conn interface{ Write([]byte) (int, error) } }

func (s *testSender) Send(frame []byte) error {
	_, err := s.conn.Write(frame)
	return err
}

type fakeHandler struct{ level string }

func (f *fakeHandler) InjectReport(itfSel uint8, report []byte) error { return nil }
func (f *fakeHandler) ListInterfaces() ([]sidechannel.InterfaceInfo, error) {
	return []sidechannel.InterfaceInfo{{Interface: 0, ItfProtocol: 2, HidProtocol: 1, Mounted: true, Active: true}}, nil
}
func (f *fakeHandler) SetLogLevel(level string) error {
	f.level = level
	return nil
}
func (f *fakeHandler) GetReportDescriptor(itf uint8) ([]byte, bool) {
	return hidrd.StubMouseReport(0), true
}
func (f *fakeHandler) GetReportLayout(itf, reportID uint8) (hidrd.ReportLayout, bool) {
	return hidrd.ReportLayout{
		Kind:      hidrd.LayoutMouse,
		TotalBits: 24,
		Buttons:   hidrd.Field{BitOffset: 0, BitSize: 8},
		X:         hidrd.Field{BitOffset: 8, BitSize: 8, Signed: true},
		Y:         hidrd.Field{BitOffset: 16, BitSize: 8, Signed: true},
	}, true
}
func (f *fakeHandler) GetDeviceID() []byte { return []byte("board-0001") }

func startTestServer(t *testing.T, masterSecret, boardID []byte, handler sidechannel.Handler) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	keys := sidechannel.NewKeyStore(masterSecret, boardID)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		clientNonce, serverNonce, err := linksecurity.HandleAuthHandshake(r, conn, masterSecret, false)
		if err != nil {
			return
		}
		sessionKey := linksecurity.DeriveSessionKey(masterSecret, serverNonce, clientNonce)
		secured, err := linksecurity.WrapConn(conn, r, sessionKey)
		if err != nil {
			return
		}
		svc := sidechannel.NewService(handler, keys, &testSender{conn: secured}, nil)

		buf := make([]byte, 4096)
		for {
			n, err := secured.Read(buf)
			if err != nil {
				return
			}
			svc.HandleFrame(buf[:n])
		}
	}()

	return ln.Addr().String()
}

func TestClientRoundTrip(t *testing.T) {
	masterSecret := []byte("master-secret")
	boardID := []byte("board-0001")
	handler := &fakeHandler{}
	addr := startTestServer(t, masterSecret, boardID, handler)

	transport, err := apiclient.Dial(apiclient.Config{
		Addr:         addr,
		MasterSecret: masterSecret,
		BoardID:      boardID,
	})
	require.NoError(t, err)
	defer transport.Close()

	client := apiclient.NewClient(transport)

	require.NoError(t, client.SetLogLevel("trace"))
	require.Equal(t, "trace", handler.level)

	infos, err := client.ListInterfaces()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.True(t, infos[0].Mounted)

	desc, truncated, err := client.GetReportDescriptor(0)
	require.NoError(t, err)
	require.False(t, truncated)
	require.Equal(t, hidrd.StubMouseReport(0), desc)

	layout, err := client.GetReportLayout(0, 0)
	require.NoError(t, err)
	require.Equal(t, hidrd.LayoutMouse, layout.Kind)
	require.Equal(t, 8, layout.X.BitSize)
	require.True(t, layout.Y.Signed)

	id, err := client.GetDeviceID()
	require.NoError(t, err)
	require.Equal(t, boardID, id)

	require.NoError(t, client.InjectReport(sidechannel.ItfSelFirstMouse, []byte{0, 1, 2}))
}

func TestClientRejectsWrongMasterSecret(t *testing.T) {
	boardID := []byte("board-0001")
	handler := &fakeHandler{}
	addr := startTestServer(t, []byte("server-secret"), boardID, handler)

	_, err := apiclient.Dial(apiclient.Config{
		Addr:         addr,
		MasterSecret: []byte("wrong-secret"),
		BoardID:      boardID,
	})
	require.Error(t, err)
}
