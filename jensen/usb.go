package jensen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
)

// USB plumbing for the recorder: one bulk-out and one bulk-in endpoint
// on interface 0 of configuration 1.
const (
	usbEndpointOut = 1
	usbEndpointIn  = 2
	usbReadWindow  = 200 * time.Millisecond
)

// USBTransport drives a recorder attached to the local USB bus.
type USBTransport struct {
	log        zerolog.Logger
	readWindow time.Duration

	usbCtx  *gousb.Context
	dev     *gousb.Device
	intf    *gousb.Interface
	cleanup func()
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	model   string
}

// USBOption configures a USBTransport.
type USBOption func(*USBTransport)

// WithUSBLogger sets the transport logger.
func WithUSBLogger(log zerolog.Logger) USBOption {
	return func(t *USBTransport) { t.log = log }
}

// NewUSBTransport creates an unopened USB transport. Device selection
// and claiming happen in Open.
func NewUSBTransport(opts ...USBOption) *USBTransport {
	t := &USBTransport{
		log:        zerolog.Nop(),
		readWindow: usbReadWindow,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Model returns the device model derived from the USB product id, or
// "" before Open.
func (t *USBTransport) Model() string { return t.model }

// Open enumerates by vendor id, claims the first matching device, and
// opens its bulk endpoints. A device with a known product id wins over
// vendor-only matches, which are accepted as a fallback.
func (t *USBTransport) Open(ctx context.Context) error {
	usbCtx := gousb.NewContext()

	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == VendorID
	})
	if err != nil && len(devs) == 0 {
		usbCtx.Close()
		return fmt.Errorf("usb enumeration failed: %w", err)
	}
	if len(devs) == 0 {
		usbCtx.Close()
		return fmt.Errorf("no recorder found (vendor 0x%04x)", VendorID)
	}

	// Prefer a device whose product id we recognize.
	chosen := devs[0]
	for _, d := range devs {
		if _, known := productModels[uint16(d.Desc.Product)]; known {
			chosen = d
			break
		}
	}
	for _, d := range devs {
		if d != chosen {
			d.Close()
		}
	}

	if err := chosen.SetAutoDetach(true); err != nil {
		t.log.Debug().Err(err).Msg("auto-detach not supported")
	}

	cfg, err := chosen.Config(1)
	if err != nil {
		chosen.Close()
		usbCtx.Close()
		return fmt.Errorf("usb config 1: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		chosen.Close()
		usbCtx.Close()
		return fmt.Errorf("claim interface 0: %w", err)
	}
	cleanup := func() {
		intf.Close()
		cfg.Close()
	}

	in, err := intf.InEndpoint(usbEndpointIn)
	if err != nil {
		cleanup()
		chosen.Close()
		usbCtx.Close()
		return fmt.Errorf("bulk-in endpoint %d: %w", usbEndpointIn, err)
	}
	out, err := intf.OutEndpoint(usbEndpointOut)
	if err != nil {
		cleanup()
		chosen.Close()
		usbCtx.Close()
		return fmt.Errorf("bulk-out endpoint %d: %w", usbEndpointOut, err)
	}

	t.usbCtx = usbCtx
	t.dev = chosen
	t.intf = intf
	t.cleanup = cleanup
	t.in = in
	t.out = out
	t.model = ModelName(uint16(chosen.Desc.Product))
	t.log.Info().Str("model", t.model).
		Str("product", chosen.Desc.Product.String()).Msg("usb device claimed")
	return nil
}

// Read performs one bulk-in transfer bounded by the poll window. A
// transfer that times out with no data is reported as empty, not as an
// error; everything else is transport-fatal.
func (t *USBTransport) Read(ctx context.Context, max int) ([]byte, error) {
	if t.in == nil {
		return nil, newError(KindTransportLost, "read", "usb transport not open")
	}
	rctx, cancel := context.WithTimeout(ctx, t.readWindow)
	defer cancel()

	buf := make([]byte, max)
	n, err := t.in.ReadContext(rctx, buf)
	if err != nil && n == 0 {
		if usbTransient(err) {
			return nil, nil
		}
		return nil, wrapError(KindTransportLost, "read", err, "bulk-in transfer failed")
	}
	return buf[:n], nil
}

// Write performs bulk-out transfers until the buffer is fully sent.
func (t *USBTransport) Write(ctx context.Context, p []byte) error {
	if t.out == nil {
		return newError(KindTransportLost, "write", "usb transport not open")
	}
	for len(p) > 0 {
		n, err := t.out.WriteContext(ctx, p)
		if err != nil {
			return wrapError(KindTransportLost, "write", err, "bulk-out transfer failed")
		}
		p = p[n:]
	}
	return nil
}

// Close releases the interface, device and USB context.
func (t *USBTransport) Close() error {
	if t.cleanup != nil {
		t.cleanup()
		t.cleanup = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	t.in, t.out, t.intf = nil, nil, nil
	if t.usbCtx != nil {
		err := t.usbCtx.Close()
		t.usbCtx = nil
		return err
	}
	return nil
}

// usbTransient reports whether a bulk transfer error is a read window
// expiring rather than a dead device.
func usbTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gousb.ErrorTimeout) ||
		errors.Is(err, gousb.TransferCancelled)
}
