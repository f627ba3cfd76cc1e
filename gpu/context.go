package gpu

import (
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// Context holds the WebGPU device chain for one engine instance. It is
// created by NewContext and owned by the Engine; there is no package
// level singleton, so independent engines never share device state.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
}

// NewContext acquires an adapter, device and queue. Discrete NVIDIA
// adapters are preferred when enumeration is available, then the
// high-performance adapter, then low-power, then whatever the runtime
// offers by default.
func NewContext() (*Context, error) {
	c := &Context{}

	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return nil, fmt.Errorf("gpu: failed to create WebGPU instance")
	}

	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		name := strings.ToLower(info.Name)
		vendor := strings.ToLower(info.VendorName)
		if strings.Contains(name, "nvidia") || strings.Contains(vendor, "nvidia") {
			logger().Info("selected adapter", "name", info.Name, "vendor", info.VendorName)
			c.Adapter = a
			break
		}
	}

	tryRequest := func(opts *wgpu.RequestAdapterOptions) {
		if c.Adapter != nil {
			return
		}
		a, err := c.Instance.RequestAdapter(opts)
		if err == nil {
			c.Adapter = a
		}
	}
	tryRequest(&wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceHighPerformance})
	tryRequest(&wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceLowPower})
	tryRequest(nil)

	if c.Adapter == nil {
		c.Release()
		return nil, fmt.Errorf("gpu: no usable adapter found")
	}

	info := c.Adapter.GetInfo()
	logger().Info("using adapter", "name", info.Name, "vendor", info.VendorName)

	var err error
	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		c.Release()
		return nil, fmt.Errorf("gpu: request device: %w", err)
	}
	c.Queue = c.Device.GetQueue()

	return c, nil
}

// Release tears down the device chain. Safe to call more than once.
func (c *Context) Release() {
	if c.Device != nil {
		c.Device.Release()
		c.Device = nil
		c.Queue = nil
	}
	if c.Adapter != nil {
		c.Adapter.Release()
		c.Adapter = nil
	}
	if c.Instance != nil {
		c.Instance.Release()
		c.Instance = nil
	}
}
