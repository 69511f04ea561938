package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aep/hidbridge/control"
	"github.com/aep/hidbridge/hidrd"
	"github.com/aep/hidbridge/hostpipeline"
	"github.com/aep/hidbridge/hostsession"
	"github.com/aep/hidbridge/inputpath"
	"github.com/aep/hidbridge/internal/config"
	hidlog "github.com/aep/hidbridge/internal/log"
	"github.com/aep/hidbridge/platform"
	"github.com/aep/hidbridge/sidechannel"
	"github.com/aep/hidbridge/stringcache"
	"github.com/aep/hidbridge/transport"
	"github.com/aep/hidbridge/usbhid"
	"github.com/aep/hidbridge/usbhid/karalabehost"
	"github.com/aep/hidbridge/wire"
)

// Host is the hidproxy-h command: it drives the descriptor pipeline,
// input forwarding, control router and string cache against one attached
// HID device, relaying everything to D over the serial link.
type Host struct {
	Link         config.LinkConfig        `embed:"" prefix:"link."`
	SideChannel  config.SideChannelConfig `embed:"" prefix:"sidechannel."`
	VendorID     uint16                   `help:"USB vendor ID filter, 0 matches any" default:"0" env:"HIDPROXY_VENDOR_ID"`
	ProductID    uint16                   `help:"USB product ID filter, 0 matches any" default:"0" env:"HIDPROXY_PRODUCT_ID"`
	Serial       string                   `help:"USB serial number filter, empty matches any" default:"" env:"HIDPROXY_SERIAL"`
	SynthStrings bool                     `help:"Synthesize a placeholder string descriptor instead of an empty one on fetch failure" default:"false" env:"HIDPROXY_SYNTH_STRINGS"`
}

// Run is called by kong when the "host" command is executed.
func (h *Host) Run(logger *slog.Logger, rawLogger hidlog.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link, err := newSerialPort(h.Link.Port, h.Link.Baud, h.Link.HWFlowControl)
	if err != nil {
		return err
	}
	defer link.Close()

	tp := transport.New(link, transport.Config{
		Baud:        h.Link.Baud,
		HWFlowCtrl:  h.Link.HWFlowControl,
		RingSize:    h.Link.RingSize,
		SlowSendLog: h.Link.SlowSendLog,
	}, logger)
	tp.Start()
	defer tp.Close()

	sender := &linkSender{tp: tp, rawLogger: rawLogger, toDevice: true}

	keys, boardID, masterSecret, err := loadSideChannelKeys(h.SideChannel)
	if err != nil {
		return err
	}

	table := hostsession.New()
	hostStack := karalabehost.New()
	fetcher := &deviceFetcher{stack: hostStack, opened: map[uint8]usbhid.HostDevice{}}
	resetter := &linkResetter{table: table, sender: sender}

	pipeline := hostpipeline.New(fetcher, sender, resetter, logger)
	forwarder := inputpath.New(table, sender, logger)

	cache := stringcache.New(fetcher, &stringForwarder{sender: sender}, logger)
	cache.SynthesizeFallback = h.SynthStrings

	ctrlRouter := control.NewHostRouter(sender, fetcher, logger)
	ctrlRouter.OnSetProtocol = func(itf, protocol uint8) {
		if e := table.Get(itf); e != nil {
			e.HidProtocol = protocol
		}
	}
	ctrlRouter.OnDeviceReset = func(reason uint8) {
		logger.Warn("hidproxy-h: device requested reset", "reason", reason)
	}

	handler := &hostHandler{table: table, pipeline: pipeline, boardID: boardID, logger: logger}
	svc := sidechannel.NewService(handler, keys, sender, logger)

	if h.SideChannel.ListenAddr != "" {
		if err := serveSideChannelListener(h.SideChannel.ListenAddr, masterSecret, handler, keys, logger); err != nil {
			return err
		}
	}

	logger.Info("hidproxy-h starting", "link", h.Link.Port, "vendor", h.VendorID, "product", h.ProductID)

	if err := attachFirstDevice(hostStack, h.VendorID, h.ProductID, h.Serial, table, fetcher.opened, pipeline, logger); err != nil {
		logger.Warn("hidproxy-h: no matching device attached at startup", "error", err)
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	recvBuf := make([]byte, transportMaxFrame)
	for {
		select {
		case <-ctx.Done():
			logger.Info("hidproxy-h shutting down")
			return nil
		case <-ticker.C:
			for {
				n := tp.RecvFrame(recvBuf)
				if n == 0 {
					break
				}
				dispatchInbound(recvBuf[:n], svc, ctrlRouter, pipeline)
			}
			for _, itf := range table.Mounted() {
				if dev, ok := fetcher.opened[itf]; ok {
					forwarder.PollOnce(itf, dev, maxInputReportLen)
				}
			}
			cache.Tick(time.Now())
			pipeline.Tick(time.Now())
		}
	}
}

const transportMaxFrame = 512
const maxInputReportLen = 64

// dispatchInbound routes one reassembled frame to the sidechannel service
// (identified by its leading magic byte) or the primary wire protocol's
// CONTROL frames; DESCRIPTOR/INPUT/UNMOUNT never arrive at H, which only
// ever produces them.
func dispatchInbound(buf []byte, svc *sidechannel.Service, ctrlRouter *control.HostRouter, pipeline *hostpipeline.Pipeline) {
	if len(buf) > 0 && buf[0] == sidechannel.Magic {
		svc.HandleFrame(buf)
		return
	}
	frame, err := wire.Parse(buf)
	if err != nil {
		return
	}
	switch frame.Type {
	case wire.TypeControl:
		if frame.Cmd == wire.CtrlReady {
			pipeline.OnReady()
			return
		}
		ctrlRouter.HandleFrame(frame.Cmd, frame.Payload)
	}
}

// attachFirstDevice opens the first enumerated device matching the
// vendor/product/serial filter, mounts its interface, records the open
// handle in opened (where the input forwarder polls it) and kicks off the
// descriptor pipeline against it.
func attachFirstDevice(stack usbhid.HostStack, vendorID, productID uint16, serial string, table *hostsession.Table, opened map[uint8]usbhid.HostDevice, pipeline *hostpipeline.Pipeline, logger *slog.Logger) error {
	infos, err := stack.Enumerate(vendorID, productID)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if serial != "" && info.Serial != serial {
			continue
		}
		dev, err := stack.Open(info.VendorID, info.ProductID, info.Serial)
		if err != nil {
			return err
		}
		opened[uint8(info.Interface)] = dev
		kind := hostsession.KindUnknown
		switch info.Interface {
		case 1:
			kind = hostsession.KindKeyboard
		case 2:
			kind = hostsession.KindMouse
		}
		table.Mount(uint8(info.Interface), 0, uint8(info.Interface), kind)
		break
	}
	return pipeline.Run()
}

// deviceFetcher adapts usbhid.HostStack's device enumeration to the
// blocking descriptor getters hostpipeline.Fetcher and stringcache.Fetcher
// need. The local hidapi binding only exposes feature-report transfers, not
// generic GET_DESCRIPTOR control transfers, so device/config/report
// descriptor fetches always fall through to the pipeline's stub synthesis;
// only GET_REPORT (via control.HostRequester) is actually serviced.
type deviceFetcher struct {
	stack  usbhid.HostStack
	opened map[uint8]usbhid.HostDevice
}

func (f *deviceFetcher) GetDeviceDescriptor() ([]byte, error) {
	return nil, errors.New("hidproxy-h: GetDeviceDescriptor requires a vendor-specific control transfer not exposed by the host HID API")
}
func (f *deviceFetcher) GetConfigDescriptor() ([]byte, error) {
	return nil, errors.New("hidproxy-h: GetConfigDescriptor requires a vendor-specific control transfer not exposed by the host HID API")
}
func (f *deviceFetcher) GetStringDescriptor(index uint8, langID uint16) ([]byte, error) {
	return nil, errors.New("hidproxy-h: GetStringDescriptor requires a vendor-specific control transfer not exposed by the host HID API")
}
func (f *deviceFetcher) GetReportDescriptor(itf uint8, expectedLen int) ([]byte, error) {
	return nil, errors.New("hidproxy-h: GetReportDescriptor requires a vendor-specific control transfer not exposed by the host HID API")
}

// RequestString satisfies stringcache.Fetcher; the local HID API cannot
// fetch strings out of band either, so every request falls straight to the
// cache's fallback/synthesis path on its own timeout.
func (f *deviceFetcher) RequestString(index uint8, langID uint16) error {
	return errors.New("hidproxy-h: string fetch not supported by the host HID API")
}

// GetReport satisfies control.HostRequester by issuing a real feature
// report transfer against the currently open device for itf.
func (f *deviceFetcher) GetReport(itf, reportType, reportID uint8, maxLen int) ([]byte, error) {
	dev, ok := f.opened[itf]
	if !ok {
		return nil, errors.New("hidproxy-h: interface not open")
	}
	buf := make([]byte, maxLen+1)
	buf[0] = reportID
	n, err := dev.GetFeatureReport(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

type hostHandler struct {
	table    *hostsession.Table
	pipeline *hostpipeline.Pipeline
	boardID  platform.BoardID
	logger   *slog.Logger
}

func (h *hostHandler) InjectReport(itfSel uint8, report []byte) error {
	itf, err := resolveItfSel(h.table, itfSel)
	if err != nil {
		return err
	}
	entry := h.table.Get(itf)
	if entry == nil || !entry.Mounted || !entry.InputReady {
		return errNotFound{}
	}
	return nil
}

func (h *hostHandler) ListInterfaces() ([]sidechannel.InterfaceInfo, error) {
	var out []sidechannel.InterfaceInfo
	for _, itf := range h.table.Mounted() {
		e := h.table.Get(itf)
		if e == nil {
			continue
		}
		out = append(out, sidechannel.InterfaceInfo{
			DevAddr:     e.DevAddr,
			Interface:   e.Interface,
			ItfProtocol: e.ItfProtocol,
			HidProtocol: e.HidProtocol,
			Inferred:    uint8(e.Inferred),
			Active:      !e.InputPaused,
			Mounted:     e.Mounted,
		})
	}
	return out, nil
}

func (h *hostHandler) SetLogLevel(level string) error {
	l, err := hidlog.ParseLevel(level)
	if err != nil {
		return err
	}
	h.logger.Info("hidproxy-h: log level changed via side channel", "level", l)
	return nil
}

func (h *hostHandler) GetReportDescriptor(itf uint8) ([]byte, bool) {
	return h.pipeline.ReportDescriptor(itf)
}

func (h *hostHandler) GetReportLayout(itf, reportID uint8) (hidrd.ReportLayout, bool) {
	desc, ok := h.pipeline.ReportDescriptor(itf)
	if !ok {
		return hidrd.ReportLayout{}, false
	}
	layouts, err := hidrd.Analyze(desc)
	if err != nil {
		return hidrd.ReportLayout{}, false
	}
	return hidrd.SelectLayout(layouts, reportID)
}

func (h *hostHandler) GetDeviceID() []byte {
	if h.boardID == nil {
		return nil
	}
	return h.boardID.Bytes()
}

func resolveItfSel(table *hostsession.Table, itfSel uint8) (uint8, error) {
	switch itfSel {
	case sidechannel.ItfSelFirstMouse:
		itf, ok := table.FirstOfKind(hostsession.KindMouse)
		if !ok {
			return 0, errNotFound{}
		}
		return itf, nil
	case sidechannel.ItfSelFirstKeyboard:
		itf, ok := table.FirstOfKind(hostsession.KindKeyboard)
		if !ok {
			return 0, errNotFound{}
		}
		return itf, nil
	default:
		return itfSel, nil
	}
}

type errNotFound struct{}

func (errNotFound) Error() string { return "hidproxy-h: interface not found" }

type linkSender struct {
	tp        *transport.Transport
	rawLogger hidlog.RawLogger
	toDevice  bool
}

func (s *linkSender) Send(frame []byte) error {
	if s.rawLogger != nil {
		s.rawLogger.Log(s.toDevice, frame)
	}
	return s.tp.Send(frame)
}

// linkResetter implements hostpipeline.Resetter. Unmount clears the local
// session table; DeviceReset sends a CONTROL/DEVICE_RESET frame carrying
// the reason to D over the primary link.
type linkResetter struct {
	table  *hostsession.Table
	sender hostpipeline.Sender
}

func (r *linkResetter) Unmount() error {
	r.table.UnmountAll()
	return nil
}
func (r *linkResetter) DeviceReset(reason uint8) error {
	frame, err := wire.Build(wire.TypeControl, wire.CtrlDeviceReset, []byte{reason})
	if err != nil {
		return err
	}
	return r.sender.Send(frame)
}

// stringForwarder satisfies stringcache.Forwarder by chunking a resolved
// string descriptor into DESCRIPTOR/STRING_DESC frames, the same wire
// shape hostpipeline.Pipeline uses for its own string forwarding.
type stringForwarder struct {
	sender hostpipeline.Sender
}

func (f *stringForwarder) ForwardString(index uint8, langID uint16, bytes []byte) {
	header := make([]byte, 1, 1+len(bytes))
	header[0] = index
	payload := append(header, bytes...)
	const chunkSize = 48
	for i := 0; i < len(payload); i += chunkSize {
		end := i + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		frame, err := wire.Build(wire.TypeDescriptor, wire.DescString, payload[i:end])
		if err != nil {
			return
		}
		_ = f.sender.Send(frame)
	}
}

func loadSideChannelKeys(cfg config.SideChannelConfig) (*sidechannel.KeyStore, platform.BoardID, []byte, error) {
	master, err := os.ReadFile(cfg.MasterSecretFile)
	if err != nil {
		return nil, nil, nil, err
	}
	boardID, err := platform.LoadOrCreatePersistedBoardID(cfg.BoardIDFile)
	if err != nil {
		return nil, nil, nil, err
	}
	return sidechannel.NewKeyStore(master, boardID.Bytes()), boardID, master, nil
}
