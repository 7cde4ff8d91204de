package domain

import (
	"github.com/bobuhiro11/gosoo/evtchn"
	"github.com/bobuhiro11/gosoo/ring"
	"github.com/bobuhiro11/gosoo/vbstore"
	"github.com/bobuhiro11/gosoo/vbus"
)

// runtime is the software of a running ME that reaches the store: its
// vbstore client and the device bus on top of it. It moves with the ME
// when the ME is relocated on the same host.
type runtime struct {
	client *vbstore.Client
	bus    *vbus.Bus

	// suspended and rebind are guarded by Host.mu. rebind is set when
	// the runtime was taken back from a failed relocation and has to
	// return to the vbstore channel of its domain on resume.
	suspended bool
	rebind    bool
}

// bringUp starts a fresh runtime for d on the vbstore channel recorded
// in its info page.
func (h *Host) bringUp(d *Domain) error {
	page, ep, err := h.channel(d)
	if err != nil {
		return err
	}

	client := vbstore.NewClient(page, ep)
	bus := vbus.New(client)

	for typ, drv := range h.drivers {
		bus.RegisterDriver(typ, drv)
	}

	if err := bus.Start(); err != nil {
		client.Close()

		return err
	}

	h.mu.Lock()
	d.rt = &runtime{client: client, bus: bus}
	h.mu.Unlock()

	return nil
}

func (rt *runtime) resync(page *ring.Page, ep *evtchn.Endpoint) error {
	return rt.bus.Resync(page, ep)
}

// close drops the runtime of a domain that is going away. The store
// connection is not used again, so watches are not unregistered.
func (rt *runtime) close() {
	if rt.suspended {
		rt.client.Resume()
	}

	rt.client.Close()
}
