// Package karalabehost adapts github.com/karalabe/hid, a cgo-backed
// hidapi binding, to the usbhid.HostStack interface. It is the one place in
// this repository that talks to a real local HID device.
package karalabehost

import (
	"fmt"
	"time"

	"github.com/karalabe/hid"

	"github.com/aep/hidbridge/usbhid"
)

// Stack implements usbhid.HostStack on top of the local hidapi-backed USB
// stack.
type Stack struct{}

func New() *Stack { return &Stack{} }

func (s *Stack) Enumerate(vendorID, productID uint16) ([]usbhid.DeviceInfo, error) {
	infos, err := hid.Enumerate(vendorID, productID)
	if err != nil {
		return nil, fmt.Errorf("karalabehost: enumerate: %w", err)
	}
	out := make([]usbhid.DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, usbhid.DeviceInfo{
			Path:         info.Path,
			VendorID:     info.VendorID,
			ProductID:    info.ProductID,
			Release:      info.Release,
			Serial:       info.Serial,
			Manufacturer: info.Manufacturer,
			Product:      info.Product,
			Interface:    info.Interface,
		})
	}
	return out, nil
}

func (s *Stack) Open(vendorID, productID uint16, serial string) (usbhid.HostDevice, error) {
	infos, err := hid.Enumerate(vendorID, productID)
	if err != nil {
		return nil, fmt.Errorf("karalabehost: enumerate: %w", err)
	}
	for _, info := range infos {
		if serial != "" && info.Serial != serial {
			continue
		}
		dev, err := info.Open()
		if err != nil {
			return nil, fmt.Errorf("karalabehost: open: %w", err)
		}
		return &device{dev: dev}, nil
	}
	return nil, fmt.Errorf("karalabehost: no matching device for vid=%#04x pid=%#04x serial=%q", vendorID, productID, serial)
}

type device struct {
	dev hid.Device
}

func (d *device) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	return d.dev.ReadTimeout(buf, int(timeout.Milliseconds()))
}

func (d *device) Write(buf []byte) (int, error) { return d.dev.Write(buf) }

func (d *device) SendFeatureReport(buf []byte) (int, error) { return d.dev.SendFeatureReport(buf) }

func (d *device) GetFeatureReport(buf []byte) (int, error) { return d.dev.GetFeatureReport(buf) }

func (d *device) Close() error { return d.dev.Close() }
