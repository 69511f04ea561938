package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aep/hidbridge/control"
	"github.com/aep/hidbridge/descstore"
	"github.com/aep/hidbridge/devsession"
	"github.com/aep/hidbridge/hidrd"
	"github.com/aep/hidbridge/hostpipeline"
	"github.com/aep/hidbridge/inputpath"
	"github.com/aep/hidbridge/internal/config"
	hidlog "github.com/aep/hidbridge/internal/log"
	"github.com/aep/hidbridge/platform"
	"github.com/aep/hidbridge/transport"
	"github.com/aep/hidbridge/usbhid"
	"github.com/aep/hidbridge/usbhid/gadgetfs"
	"github.com/aep/hidbridge/wire"
)

// Device is the hidproxy-d command: it accumulates descriptors into the
// Descriptor Store, starts the local USB device-mode gadget once complete,
// and applies forwarded input reports and control requests from H.
type Device struct {
	Link       config.LinkConfig        `embed:"" prefix:"link."`
	GadgetName string                   `help:"Linux configfs gadget name" default:"hidbridge" env:"HIDPROXY_GADGET_NAME"`
	UDC        string                   `help:"USB device controller to bind to, empty auto-selects the first one" default:"" env:"HIDPROXY_UDC"`
	ReadyGPIO  int                      `help:"GPIO line number to pulse on READY, -1 disables it" default:"-1" env:"HIDPROXY_READY_GPIO"`
}

func (d *Device) Run(logger *slog.Logger, rawLogger hidlog.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link, err := newSerialPort(d.Link.Port, d.Link.Baud, d.Link.HWFlowControl)
	if err != nil {
		return err
	}
	defer link.Close()

	tp := transport.New(link, transport.Config{
		Baud:        d.Link.Baud,
		HWFlowCtrl:  d.Link.HWFlowControl,
		RingSize:    d.Link.RingSize,
		SlowSendLog: d.Link.SlowSendLog,
	}, logger)
	tp.Start()
	defer tp.Close()

	sender := &linkSender{tp: tp, rawLogger: rawLogger, toDevice: false}

	store := descstore.New()
	gadget := gadgetfs.New(gadgetfs.Config{Name: d.GadgetName, UDC: d.UDC}, store, logger)

	gpio := platform.GPIO(platform.NullGPIO{})
	if d.ReadyGPIO >= 0 {
		logger.Warn("hidproxy-d: GPIO backend not wired to real hardware in this build, READY stays serial-only")
	}

	readySender := &deviceReadySender{sender: sender}
	session := devsession.New(store, gadget, gpio, platform.SystemClock{}, readySender, logger)

	gate := &inputGate{store: store, session: session}
	applier := inputpath.New(gadget, gate, store.ReportHasID, logger)

	ctrlStack := &deviceControlStack{gadget: gadget, store: store}
	ctrlRouter := control.NewDeviceRouter(sender, ctrlStack, logger)
	ctrlRouter.OnReady = func() {}
	ctrlRouter.OnDeviceReset = func(reason uint8) {
		logger.Warn("hidproxy-d: device reset requested by host", "reason", reason)
		session.Teardown()
	}
	readySender.router = ctrlRouter

	getReportRecvBuf := make([]byte, transportMaxFrame)
	ctrlRouter.PumpFrames = func() bool {
		n := tp.RecvFrame(getReportRecvBuf)
		if n == 0 {
			return false
		}
		handleInbound(getReportRecvBuf[:n], store, applier, ctrlRouter, session, logger)
		return true
	}

	logger.Info("hidproxy-d starting", "link", d.Link.Port, "gadget", d.GadgetName)

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	recvBuf := make([]byte, transportMaxFrame)
	for {
		select {
		case <-ctx.Done():
			logger.Info("hidproxy-d shutting down")
			session.Teardown()
			return nil
		case <-ticker.C:
			session.DrainFrames(func() bool {
				n := tp.RecvFrame(recvBuf)
				if n == 0 {
					return false
				}
				handleInbound(recvBuf[:n], store, applier, ctrlRouter, session, logger)
				return true
			})

			for {
				req, ok := gadget.RecvControl()
				if !ok {
					break
				}
				forwardControlRequest(req, ctrlRouter, gadget, logger)
			}

			applier.FlushPending()
		}
	}
}

// handleInbound applies one reassembled primary-protocol frame: DESCRIPTOR
// chunks feed the store (and re-run completeness/stack-start on DONE),
// INPUT frames go to the applier, CONTROL frames go to the device router,
// UNMOUNT tears the session down.
func handleInbound(buf []byte, store *descstore.Store, applier *inputpath.Applier, ctrlRouter *control.DeviceRouter, session *devsession.Session, logger *slog.Logger) {
	frame, err := wire.Parse(buf)
	if err != nil {
		return
	}
	switch frame.Type {
	case wire.TypeDescriptor:
		handleDescriptor(frame.Cmd, frame.Payload, store, session, logger)
	case wire.TypeInput:
		applier.HandleFrame(frame.Payload)
	case wire.TypeControl:
		ctrlRouter.HandleFrame(frame.Cmd, frame.Payload)
	case wire.TypeUnmount:
		session.Teardown()
	}
}

func handleDescriptor(cmd uint8, payload []byte, store *descstore.Store, session *devsession.Session, logger *slog.Logger) {
	switch cmd {
	case wire.DescDevice:
		if err := store.FeedDeviceDescriptor(payload); err != nil {
			logger.Warn("hidproxy-d: device descriptor rejected", "error", err)
		}
	case wire.DescConfig:
		store.FeedConfigChunk(payload)
		if store.ConfigValid() {
			for _, itf := range hostpipeline.ParseConfigForHID(store.Config()) {
				store.SetInterfaceExpectedLength(itf.Interface, itf.ExpectedLen)
			}
		}
	case wire.DescReport:
		if err := store.FeedReportChunk(payload); err != nil {
			logger.Warn("hidproxy-d: report descriptor rejected, resetting session", "error", err)
			session.Teardown()
			return
		}
		if len(payload) > 0 {
			store.AnalyzeReportHasID(payload[0])
		}
	case wire.DescString:
		if len(payload) >= 1 {
			store.FeedStringChunk(payload[0], 0, payload[1:])
		}
	case wire.DescDone:
		synthesizeMissingReports(store)
		store.MarkDone()
		if err := session.OnDone(); err != nil {
			logger.Warn("hidproxy-d: session start on DONE failed", "error", err)
		}
	}
}

// synthesizeMissingReports fills in stub report descriptors for every
// declared interface that never received a real one, satisfying
// descstore's completeness predicate before marking DONE.
func synthesizeMissingReports(store *descstore.Store) {
	for _, itf := range store.PresentInterfaces() {
		ifd := store.Interface(itf)
		if len(ifd.Report) == 0 {
			store.SynthesizeStub(itf, hidrd.LayoutMouse)
		}
	}
}

// inputGate implements inputpath.Gate against the descstore state:
// usb_attached && descriptors_complete && ready_sent. It makes no separate
// check that the USB device stack itself reports ready.
type inputGate struct {
	store   *descstore.Store
	session *devsession.Session
}

func (g *inputGate) InputReady() bool {
	return g.store.USBAttached && g.store.DescriptorsComplete && g.store.ReadySent
}

// deviceControlStack implements control.DeviceStack against the gadget.
// The kernel's f_hid function answers SET_PROTOCOL/SET_REPORT/SET_IDLE
// itself, so there is nothing further to push down into the hardware; this
// only needs to exist so DeviceRouter has somewhere to route the callback.
// All three methods return nil without recording anything.
type deviceControlStack struct {
	gadget *gadgetfs.Stack
	store  *descstore.Store
}

func (s *deviceControlStack) SetProtocol(itf, protocol uint8) error { return nil }
func (s *deviceControlStack) SetReport(itf, reportType, reportID uint8, data []byte) error {
	return nil
}
func (s *deviceControlStack) SetIdle(itf uint8, duration uint8) error { return nil }

// forwardControlRequest translates a usbhid.ControlRequest surfaced by the
// device stack into the CONTROL frame H needs to answer it, used for the
// GET_REPORT direction the gadgetfs backend cannot itself satisfy today.
// Kept for backends other than gadgetfs: gadgetfs.Stack.RecvControl never
// actually yields a request, so this path is currently unreachable there.
func forwardControlRequest(req usbhid.ControlRequest, ctrlRouter *control.DeviceRouter, stack usbhid.DeviceStack, logger *slog.Logger) {
	if req.Request != usbhid.RequestGetReport {
		return
	}
	buf := make([]byte, req.Length)
	n := ctrlRouter.GetReport(req.Interface, uint8(req.Value>>8), uint8(req.Value), buf)
	if err := stack.RespondControl(req, buf[:n], false); err != nil {
		logger.Warn("hidproxy-d: failed to answer forwarded GET_REPORT", "error", err)
	}
}

// deviceReadySender implements devsession.ReadySender by sending a
// CONTROL/READY frame over the primary link.
type deviceReadySender struct {
	sender *linkSender
	router *control.DeviceRouter
}

func (s *deviceReadySender) SendReady() error {
	return s.router.SendReady()
}
