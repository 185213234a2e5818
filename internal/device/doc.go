// Package device owns the station's devices and their driver instances.
//
// The Manager builds a driver for each declared device through a
// driver.Registry, initialises it, and hands out Handles. A Handle is the
// only way the rest of the core touches hardware: it derives the device
// status, refuses commands to faulted devices and tracks which pipelines
// hold a reservation on the device.
//
//	mgr := device.NewManager(registry)
//	if err := mgr.LoadAll(ctx, station.Devices); err != nil {
//	    log.Warn("some devices failed to load", "error", err)
//	}
//	defer mgr.ShutdownAll(ctx)
//
// Device IDs are immutable once registered. A device whose driver fails to
// initialise stays registered as faulted so it shows up in listings.
package device
