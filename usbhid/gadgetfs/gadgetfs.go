// Package gadgetfs adapts the Linux configfs USB gadget subsystem (the
// g_hid/f_hid "HID function") to usbhid.DeviceStack. It is the one
// concrete device-mode backend this repository ships; building and
// tearing down the gadget is plain file I/O against /sys/kernel/config,
// the same mechanism a handful of Pi-class USB-HID proxies in the wild
// script by hand.
package gadgetfs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aep/hidbridge/descstore"
	"github.com/aep/hidbridge/usbhid"
)

const configfsRoot = "/sys/kernel/config/usb_gadget"

// Config names the gadget and where it attaches.
type Config struct {
	Name         string // configfs directory name, e.g. "hidproxy"
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Serial       string
	// UDC names the controller driver to bind to; empty means "the first
	// one found under /sys/class/udc".
	UDC string
}

// Stack implements usbhid.DeviceStack against the kernel's configfs HID
// gadget function, one function per forwarded HID interface.
type Stack struct {
	cfg    Config
	store  *descstore.Store
	logger *slog.Logger

	root      string
	functions map[uint8]*hidFunction
	started   bool
}

type hidFunction struct {
	itf      uint8
	funcDir  string
	charPath string
	file     *os.File
}

func New(cfg Config, store *descstore.Store, logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{cfg: cfg, store: store, logger: logger, functions: map[uint8]*hidFunction{}}
}

// Start builds the configfs tree from the descriptor store's current,
// complete descriptor set and binds it to a UDC. store.ReadyToStart()
// must already be true; Start does not itself wait for completeness.
func (s *Stack) Start() error {
	if s.started {
		return nil
	}
	s.root = filepath.Join(configfsRoot, s.cfg.Name)

	if err := s.writeGadgetIdentity(); err != nil {
		return err
	}

	itfs := s.store.PresentInterfaces()
	if len(itfs) == 0 {
		itfs = []uint8{0}
	}
	for _, itf := range itfs {
		if err := s.addHIDFunction(itf); err != nil {
			return fmt.Errorf("gadgetfs: interface %d: %w", itf, err)
		}
	}

	udc, err := s.resolveUDC()
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(s.root, "UDC"), udc); err != nil {
		return fmt.Errorf("gadgetfs: bind UDC %q: %w", udc, err)
	}

	for itf, fn := range s.functions {
		f, err := os.OpenFile(fn.charPath, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("gadgetfs: open %s for interface %d: %w", fn.charPath, itf, err)
		}
		fn.file = f
	}

	s.started = true
	s.logger.Info("gadgetfs: gadget started", "interfaces", len(s.functions), "udc", udc)
	return nil
}

// Stop unbinds the UDC and closes every open HID character device. The
// configfs directory tree is left in place so a later Start can rebuild
// around it without re-creating directories that already exist.
func (s *Stack) Stop() error {
	if !s.started {
		return nil
	}
	_ = writeFile(filepath.Join(s.root, "UDC"), "")
	for _, fn := range s.functions {
		if fn.file != nil {
			_ = fn.file.Close()
			fn.file = nil
		}
	}
	s.started = false
	return nil
}

// SendInput writes one input report directly to the interface's /dev/hidgN
// character device. A write that would block (kernel report FIFO still
// full from the previous report) is reported as usbhid.ErrBusy rather than
// blocking the caller.
func (s *Stack) SendInput(itf uint8, report []byte) error {
	fn, ok := s.functions[itf]
	if !ok || fn.file == nil {
		return fmt.Errorf("gadgetfs: interface %d not started", itf)
	}
	if err := fn.file.SetWriteDeadline(time.Now().Add(2 * time.Millisecond)); err == nil {
		defer fn.file.SetWriteDeadline(time.Time{})
	}
	_, err := fn.file.Write(report)
	if err != nil {
		if os.IsTimeout(err) {
			return usbhid.ErrBusy
		}
		return fmt.Errorf("gadgetfs: write interface %d: %w", itf, err)
	}
	return nil
}

// RecvControl always reports no pending request: the kernel's f_hid
// function answers GET_DESCRIPTOR/SET_IDLE/SET_PROTOCOL itself and does
// not surface raw SETUP packets through /dev/hidgN, so there is nothing
// for node D to forward back to H through the side channel on this
// backend. GET_REPORT/SET_REPORT for feature reports would need f_hid's
// separate ioctl-based report path, not implemented here.
func (s *Stack) RecvControl() (usbhid.ControlRequest, bool) {
	return usbhid.ControlRequest{}, false
}

func (s *Stack) RespondControl(req usbhid.ControlRequest, data []byte, stall bool) error {
	return fmt.Errorf("gadgetfs: RespondControl has no pending request to answer")
}

func (s *Stack) writeGadgetIdentity() error {
	dirs := []string{
		s.root,
		filepath.Join(s.root, "strings", "0x409"),
		filepath.Join(s.root, "configs", "c.1", "strings", "0x409"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("gadgetfs: mkdir %s: %w", d, err)
		}
	}

	files := map[string]string{
		filepath.Join(s.root, "idVendor"):                                     hex16(s.cfg.VendorID),
		filepath.Join(s.root, "idProduct"):                                    hex16(s.cfg.ProductID),
		filepath.Join(s.root, "bcdDevice"):                                    "0x0100",
		filepath.Join(s.root, "bcdUSB"):                                       "0x0200",
		filepath.Join(s.root, "strings", "0x409", "serialnumber"):             orDefault(s.cfg.Serial, "0"),
		filepath.Join(s.root, "strings", "0x409", "manufacturer"):             orDefault(s.cfg.Manufacturer, "hidbridge"),
		filepath.Join(s.root, "strings", "0x409", "product"):                  orDefault(s.cfg.Product, "hidbridge proxy"),
		filepath.Join(s.root, "configs", "c.1", "strings", "0x409", "configuration"): "HID proxy",
		filepath.Join(s.root, "configs", "c.1", "MaxPower"):                   "250",
	}
	for path, content := range files {
		if err := writeFile(path, content); err != nil {
			return fmt.Errorf("gadgetfs: write %s: %w", path, err)
		}
	}
	return nil
}

func (s *Stack) addHIDFunction(itf uint8) error {
	ifd := s.store.Interface(itf)
	funcDir := filepath.Join(s.root, "functions", fmt.Sprintf("hid.usb%d", itf))
	if err := os.MkdirAll(funcDir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", funcDir, err)
	}

	protocol := "0"
	subclass := "0"
	if ifd.ReportHasID {
		protocol = "0"
	} else {
		protocol = "1"
	}

	if err := writeFile(filepath.Join(funcDir, "protocol"), protocol); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(funcDir, "subclass"), subclass); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(funcDir, "report_length"), strconv.Itoa(maxInt(ifd.ExpectedLen, len(ifd.Report)))); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(funcDir, "report_desc"), ifd.Report, 0644); err != nil {
		return fmt.Errorf("write report_desc: %w", err)
	}

	link := filepath.Join(s.root, "configs", "c.1", fmt.Sprintf("hid.usb%d", itf))
	if _, err := os.Lstat(link); os.IsNotExist(err) {
		if err := os.Symlink(funcDir, link); err != nil {
			return fmt.Errorf("symlink %s: %w", link, err)
		}
	}

	s.functions[itf] = &hidFunction{
		itf:      itf,
		funcDir:  funcDir,
		charPath: fmt.Sprintf("/dev/hidg%d", itf),
	}
	return nil
}

func (s *Stack) resolveUDC() (string, error) {
	if s.cfg.UDC != "" {
		return s.cfg.UDC, nil
	}
	entries, err := os.ReadDir("/sys/class/udc")
	if err != nil {
		return "", fmt.Errorf("gadgetfs: list /sys/class/udc: %w", err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("gadgetfs: no UDC controller present")
	}
	return entries[0].Name(), nil
}

func writeFile(path, content string) error {
	current, err := os.ReadFile(path)
	if err == nil && strings.TrimSpace(string(current)) == content {
		return nil
	}
	return os.WriteFile(path, []byte(content), 0644)
}

func hex16(v uint16) string { return fmt.Sprintf("0x%04x", v) }

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
