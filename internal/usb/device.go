package usb

import (
	"fmt"

	"github.com/ctapgo/vhid/internal/vherr"
)

// Engine dispatches EP0 control requests against a Device's static
// descriptor table, called synchronously by the event loop: HandleIn maps a
// SetupPacket to a reply, and HandleOut records SET_CONFIGURATION /
// SET_INTERFACE settings on the Device. It never panics on an
// unrecognized request — it stalls, the way a production authenticator
// must.
type Engine struct {
	Device *Device
}

func NewEngine(dev *Device) *Engine {
	return &Engine{Device: dev}
}

// HandleIn services a device-to-host EP0 request, returning the reply bytes
// (already trimmed to the host's requested wLength).
func (e *Engine) HandleIn(setup SetupPacket) ([]byte, error) {
	switch {
	case setup.Type == Standard && setup.Recipient == RecipDevice && setup.Request == GetDescriptor:
		return e.getDescriptor(setup)

	case setup.Type == Standard && setup.Recipient == RecipDevice && setup.Request == GetStatus &&
		setup.Value == 0 && setup.Index == 0 && setup.Length == 2:
		// self-powered, no remote wakeup (p282, Table 9-4, USB 2.0)
		return []byte{0x01, 0x00}, nil

	case setup.Type == Standard && setup.Recipient == RecipInterface && setup.Request == GetDescriptor &&
		setup.DescriptorType() == DescHIDReport:
		return trim(e.Device.ReportDescriptor, setup.Length), nil

	case setup.Type == Standard && setup.Recipient == RecipDevice && setup.Request == GetConfiguration:
		return []byte{e.Device.ConfigurationValue}, nil

	case setup.Type == Standard && setup.Recipient == RecipInterface && setup.Request == GetInterface:
		return []byte{e.Device.AlternateSetting}, nil
	}

	return nil, e.stall(setup)
}

// HandleOut services a host-to-device EP0 request with no data stage (or a
// data stage the caller has already copied out); it returns an error only on
// stall.
func (e *Engine) HandleOut(setup SetupPacket) error {
	switch {
	case setup.Type == Standard && setup.Recipient == RecipDevice && setup.Request == SetConfiguration &&
		setup.Value == 0 && setup.Index == 0 && setup.Length == 0:
		e.Device.ConfigurationValue = 1
		return nil

	case setup.Type == Class && setup.Recipient == RecipInterface && setup.Request == HIDSetIdle &&
		setup.Value == 0 && setup.Index == 0 && setup.Length == 0:
		return nil

	case setup.Type == Standard && setup.Recipient == RecipDevice && setup.Request == SetInterface:
		e.Device.AlternateSetting = setup.DescriptorIndex()
		return nil
	}

	return e.stall(setup)
}

func (e *Engine) getDescriptor(setup SetupPacket) ([]byte, error) {
	switch setup.DescriptorType() {
	case DescDevice:
		return trim(e.Device.Descriptor.Bytes(), setup.Length), nil
	case DescConfiguration:
		return trim(e.Device.ConfigurationBundle(), setup.Length), nil
	case DescString:
		b, err := e.Device.String(setup.DescriptorIndex())
		if err != nil {
			return nil, err
		}
		return trim(b, setup.Length), nil
	}

	return nil, e.stall(setup)
}

func (e *Engine) stall(setup SetupPacket) error {
	return fmt.Errorf("%w: unsupported request (dir=%d type=%d recipient=%d request=%#x value=%#x)",
		vherr.ErrUsbStall, setup.Direction, setup.Type, setup.Recipient, setup.Request, setup.Value)
}
