// Package sim provides an in-memory transmitter core and simulated
// DisplayPort receivers for testing and for the dpsim tool.
//
// # Architecture
//
// [TxCore] implements [hal.Registers]. Writing the AUX command register
// runs the request immediately against the attached [Device], so the
// reply is ready on the next status read:
//
//	core := sim.NewTxCore()
//	core.Plug(sim.NewDevice(sim.DeviceConfig{Name: "monitor"}))
//	ch := auxch.New(core, hal.NopTimer{}, auxch.DefaultConfig())
//
// A [Device] holds a sparse DPCD space. Writes to the link configuration
// registers update lane status according to the device's training knobs,
// writes to PAYLOAD_ALLOCATE update its VC payload table, and an MST
// branch reassembles DOWN_REQ fragments, routes each request by its
// relative address and answers through a [sink.Responder].
//
// # Fault Injection
//
// [Faults] make a device defer AUX requests, corrupt a down reply CRC or
// stop answering altogether.
package sim
