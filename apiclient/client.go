// Package apiclient's Client is the high-level counterpart to node H's
// sidechannel.Service: it decodes each of the six control commands' wire
// payloads into Go values for hidproxyctl.
package apiclient

import (
	"encoding/binary"
	"fmt"

	"github.com/aep/hidbridge/hidrd"
	"github.com/aep/hidbridge/sidechannel"
)

// Client wraps an already-dialed Transport.
type Client struct{ t *Transport }

func NewClient(t *Transport) *Client { return &Client{t: t} }

func (c *Client) Close() error { return c.t.Close() }

// InjectReport submits report through itfSel (a concrete interface index, or
// sidechannel.ItfSelFirstMouse/ItfSelFirstKeyboard).
func (c *Client) InjectReport(itfSel uint8, report []byte) error {
	if len(report) > 0xFF {
		return fmt.Errorf("apiclient: report too large (%d bytes)", len(report))
	}
	payload := make([]byte, 2, 2+len(report))
	payload[0] = itfSel
	payload[1] = byte(len(report))
	payload = append(payload, report...)
	_, err := c.t.Do(sidechannel.CmdInjectReport, payload)
	return err
}

// ListInterfaces returns every interface row node H currently tracks.
func (c *Client) ListInterfaces() ([]sidechannel.InterfaceInfo, error) {
	resp, err := c.t.Do(sidechannel.CmdListInterfaces, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("apiclient: truncated LIST_INTERFACES response")
	}
	count := int(resp[0])
	want := 1 + count*7
	if len(resp) < want {
		return nil, fmt.Errorf("apiclient: truncated LIST_INTERFACES response: want %d bytes, got %d", want, len(resp))
	}
	out := make([]sidechannel.InterfaceInfo, count)
	for i := 0; i < count; i++ {
		row := resp[1+i*7 : 1+i*7+7]
		out[i] = sidechannel.InterfaceInfo{
			DevAddr:     row[0],
			Interface:   row[1],
			ItfProtocol: row[2],
			HidProtocol: row[3],
			Inferred:    row[4],
			Active:      row[5] != 0,
			Mounted:     row[6] != 0,
		}
	}
	return out, nil
}

// SetLogLevel changes node H's runtime log level.
func (c *Client) SetLogLevel(level string) error {
	_, err := c.t.Do(sidechannel.CmdSetLogLevel, []byte(level))
	return err
}

// GetReportDescriptor fetches the stored/synthesized descriptor for itf.
// truncated reports whether node H's response was clipped to fit one frame;
// there is no further paging, node H only ever sends the leading chunk.
func (c *Client) GetReportDescriptor(itf uint8) (desc []byte, truncated bool, err error) {
	resp, err := c.t.Do(sidechannel.CmdGetReportDesc, []byte{itf})
	if err != nil {
		return nil, false, err
	}
	if len(resp) < 4 {
		return nil, false, fmt.Errorf("apiclient: truncated GET_REPORT_DESC response")
	}
	totalLen := binary.LittleEndian.Uint16(resp[1:3])
	truncated = resp[3] != 0
	chunk := resp[4:]
	if int(totalLen) < len(chunk) {
		return nil, false, fmt.Errorf("apiclient: GET_REPORT_DESC total_len shorter than chunk")
	}
	return chunk, truncated, nil
}

// GetReportLayout fetches the field layout for one interface/report id,
// mirroring sidechannel's unexported encodeLayout byte format.
func (c *Client) GetReportLayout(itf, reportID uint8) (hidrd.ReportLayout, error) {
	resp, err := c.t.Do(sidechannel.CmdGetReportLayout, []byte{itf, reportID})
	if err != nil {
		return hidrd.ReportLayout{}, err
	}
	const fieldCount = 6
	const want = 5 + fieldCount*4
	if len(resp) < want {
		return hidrd.ReportLayout{}, fmt.Errorf("apiclient: truncated GET_REPORT_LAYOUT response")
	}
	layout := hidrd.ReportLayout{
		ReportID:  resp[0],
		Kind:      hidrd.LayoutKind(resp[1]),
		HasID:     resp[2] != 0,
		TotalBits: int(resp[3]) | int(resp[4])<<8,
	}
	fields := [fieldCount]*hidrd.Field{
		&layout.Buttons, &layout.X, &layout.Y, &layout.Wheel, &layout.KeyArray, &layout.Modifiers,
	}
	for i, f := range fields {
		b := resp[5+i*4 : 5+i*4+4]
		f.BitOffset = int(b[0]) | int(b[1])<<8
		f.BitSize = int(b[2])
		f.Signed = b[3] != 0
	}
	return layout, nil
}

// GetDeviceID fetches node H's persisted board id.
func (c *Client) GetDeviceID() ([]byte, error) {
	resp, err := c.t.Do(sidechannel.CmdGetDeviceID, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, fmt.Errorf("apiclient: truncated GET_DEVICE_ID response")
	}
	n := int(resp[0])
	if len(resp) < 1+n {
		return nil, fmt.Errorf("apiclient: truncated GET_DEVICE_ID response")
	}
	return resp[1 : 1+n], nil
}
