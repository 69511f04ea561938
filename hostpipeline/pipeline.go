// Package hostpipeline implements node H's descriptor-collection state
// machine: device → configuration → language IDs → strings → per-interface
// HID report descriptors, chunked forwarding to D, a DONE barrier, and the
// WAIT_READY handshake with resend/reset fallback (spec.md §4.3).
package hostpipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aep/hidbridge/hidrd"
	"github.com/aep/hidbridge/wire"
)

type State uint8

const (
	StateIdle State = iota
	StateGetDevice
	StateGetConfig
	StateGetLangID
	StateGetStrManufacturer
	StateGetStrProduct
	StateGetStrSerial
	StateParseConfigForHID
	StateFetchReport
	StateForwardDone
	StateWaitReady
)

const (
	chunkSize       = 48
	interChunkPause = 2 * time.Millisecond

	readyTimeout    = 300 * time.Millisecond
	maxReadyResends = 5
)

// Fetcher is node H's view of the USB host stack's blocking descriptor
// getters (spec.md §6); the cooperative scheduling model makes a
// synchronous call here acceptable since every fetch is itself
// bounded/timed out by the underlying stack.
type Fetcher interface {
	GetDeviceDescriptor() ([]byte, error)
	GetConfigDescriptor() ([]byte, error)
	// GetStringDescriptor fetches index at langID (0 meaning "use the
	// device's default LangID", resolved internally by the fetcher).
	GetStringDescriptor(index uint8, langID uint16) ([]byte, error)
	GetReportDescriptor(itf uint8, expectedLen int) ([]byte, error)
}

// HIDInterface describes one HID interface found while parsing the
// configuration descriptor for HID class descriptors.
type HIDInterface struct {
	Interface   uint8
	ExpectedLen int
	Kind        hidrd.LayoutKind // best-effort guess from bInterfaceProtocol, used only for stub synthesis
}

// Sender delivers an already-built DESCRIPTOR/CONTROL frame to the link.
type Sender interface {
	Send(frame []byte) error
}

// Resetter is invoked when the DONE/READY handshake exhausts its retries.
type Resetter interface {
	Unmount() error
	DeviceReset(reason uint8) error
}

// Pipeline runs one descriptor-collection session for one attached device.
type Pipeline struct {
	fetcher  Fetcher
	sender   Sender
	resetter Resetter
	logger   *slog.Logger

	state State

	deviceDesc []byte
	configDesc []byte
	hidItfs    []HIDInterface

	forwardedMask uint32
	expectedMask  uint32
	reportDescs   map[uint8][]byte

	anyStepFailed bool

	readySent    time.Time
	readyResends int
	waitingReady bool
}

func New(fetcher Fetcher, sender Sender, resetter Resetter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{fetcher: fetcher, sender: sender, resetter: resetter, logger: logger, state: StateIdle, reportDescs: map[uint8][]byte{}}
}

func (p *Pipeline) State() State { return p.state }

// ReportDescriptor returns the last forwarded (real or stub) report
// descriptor for itf, used to answer the side-channel's GET_REPORT_DESC.
func (p *Pipeline) ReportDescriptor(itf uint8) ([]byte, bool) {
	desc, ok := p.reportDescs[itf]
	return desc, ok
}

// Run drives the pipeline from IDLE through FORWARD_DONE, entering
// WAIT_READY on success. On any individual step failure the pipeline
// continues (best-effort completeness) but records the failure so DONE's
// barrier conditions can still be checked.
func (p *Pipeline) Run() error {
	p.state = StateGetDevice
	if desc, err := p.fetcher.GetDeviceDescriptor(); err == nil {
		p.deviceDesc = desc
	} else {
		p.logger.Warn("hostpipeline: get device descriptor failed", "error", err)
		p.anyStepFailed = true
	}

	p.state = StateGetConfig
	if desc, err := p.fetcher.GetConfigDescriptor(); err == nil {
		p.configDesc = desc
	} else {
		p.logger.Warn("hostpipeline: get config descriptor failed", "error", err)
		p.anyStepFailed = true
		return p.forwardDone()
	}

	p.state = StateGetLangID
	langBytes, err := p.fetcher.GetStringDescriptor(0, 0)
	var langID uint16 = 0x0409
	if err == nil && len(langBytes) >= 4 {
		langID = uint16(langBytes[2]) | uint16(langBytes[3])<<8
	} else {
		p.anyStepFailed = true
	}
	p.forwardChunked(wire.DescString, append([]byte{0}, langBytes...))

	stringSteps := []struct {
		state State
		index uint8
	}{
		{StateGetStrManufacturer, 1},
		{StateGetStrProduct, 2},
		{StateGetStrSerial, 3},
	}
	for _, step := range stringSteps {
		p.state = step.state
		if bytes, err := p.fetcher.GetStringDescriptor(step.index, langID); err == nil {
			p.forwardChunked(wire.DescString, append([]byte{step.index}, bytes...))
		} else {
			p.anyStepFailed = true
		}
	}

	p.forwardChunked(wire.DescConfig, p.configDesc)

	p.state = StateParseConfigForHID
	p.hidItfs = ParseConfigForHID(p.configDesc)
	for _, itf := range p.hidItfs {
		p.expectedMask |= 1 << itf.Interface
	}

	p.state = StateFetchReport
	for _, itf := range p.hidItfs {
		p.fetchReportSerialized(itf)
	}

	return p.forwardDone()
}

// fetchReportSerialized fetches and forwards exactly one interface's
// report descriptor, enforcing "at most one fetch in flight" by its very
// straight-line, single-goroutine structure.
func (p *Pipeline) fetchReportSerialized(itf HIDInterface) {
	desc, err := p.fetcher.GetReportDescriptor(itf.Interface, itf.ExpectedLen)
	if err != nil || len(desc) == 0 {
		p.logger.Warn("hostpipeline: report descriptor fetch failed, falling back to stub", "interface", itf.Interface, "error", err)
		desc = stubFor(itf)
	}
	p.forwardReportChunked(itf.Interface, desc)
	p.forwardedMask |= 1 << itf.Interface
	p.reportDescs[itf.Interface] = desc
}

func stubFor(itf HIDInterface) []byte {
	if itf.Kind == hidrd.LayoutKeyboard {
		return hidrd.StubKeyboardReport(itf.ExpectedLen)
	}
	return hidrd.StubMouseReport(itf.ExpectedLen)
}

// forwardDone re-sends device+config (tolerating first-pass transport
// loss), emits DONE, and enters WAIT_READY. DONE is never emitted unless
// every expected HID interface has been forwarded (real or stub) — the
// fallback in fetchReportSerialized guarantees this invariant holds.
func (p *Pipeline) forwardDone() error {
	if p.forwardedMask&p.expectedMask != p.expectedMask {
		return fmt.Errorf("hostpipeline: refusing DONE, forwarded mask %#x does not cover expected %#x", p.forwardedMask, p.expectedMask)
	}

	p.forwardChunked(wire.DescDevice, p.deviceDesc)
	p.forwardChunked(wire.DescConfig, p.configDesc)

	p.state = StateForwardDone
	if err := p.send(wire.TypeDescriptor, wire.DescDone, nil); err != nil {
		return err
	}

	p.state = StateWaitReady
	p.waitingReady = true
	p.readySent = time.Now()
	p.readyResends = 0
	return nil
}

// OnReady is called by the caller's control-frame dispatch when D's READY
// control frame arrives.
func (p *Pipeline) OnReady() {
	p.waitingReady = false
	p.state = StateIdle
}

// Tick drives the WAIT_READY timeout/resend/reset logic; call it
// periodically (e.g. once per main-loop iteration) while waitingReady.
func (p *Pipeline) Tick(now time.Time) {
	if !p.waitingReady {
		return
	}
	if now.Sub(p.readySent) < readyTimeout {
		return
	}
	if p.readyResends >= maxReadyResends {
		p.waitingReady = false
		_ = p.resetter.Unmount()
		_ = p.resetter.DeviceReset(wire.ResetReenumerate)
		return
	}
	p.readyResends++
	_ = p.send(wire.TypeDescriptor, wire.DescDone, nil)
	p.readySent = now
}

func (p *Pipeline) forwardChunked(subcmd uint8, payload []byte) {
	if len(payload) == 0 {
		_ = p.send(wire.TypeDescriptor, subcmd, payload)
		return
	}
	for i := 0; i < len(payload); i += chunkSize {
		end := i + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := p.send(wire.TypeDescriptor, subcmd, payload[i:end]); err != nil {
			p.logger.Warn("hostpipeline: send failed", "error", err)
			return
		}
		if end < len(payload) {
			time.Sleep(interChunkPause)
		}
	}
}

// forwardReportChunked chunks a report descriptor's body and prepends itf to
// every emitted chunk: D's descstore.FeedReportChunk reads byte 0 of each
// DESC_REPORT frame as the interface index, so the prefix must survive
// chunking, not just appear once on the unsplit buffer.
func (p *Pipeline) forwardReportChunked(itf uint8, body []byte) {
	if len(body) == 0 {
		_ = p.send(wire.TypeDescriptor, wire.DescReport, []byte{itf})
		return
	}
	const bodyChunk = chunkSize - 1
	for i := 0; i < len(body); i += bodyChunk {
		end := i + bodyChunk
		if end > len(body) {
			end = len(body)
		}
		frame := append([]byte{itf}, body[i:end]...)
		if err := p.send(wire.TypeDescriptor, wire.DescReport, frame); err != nil {
			p.logger.Warn("hostpipeline: send failed", "error", err)
			return
		}
		if end < len(body) {
			time.Sleep(interChunkPause)
		}
	}
}

func (p *Pipeline) send(typ, cmd uint8, payload []byte) error {
	frame, err := wire.Build(typ, cmd, payload)
	if err != nil {
		return err
	}
	return p.sender.Send(frame)
}
