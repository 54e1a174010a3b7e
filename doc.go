// Package navrunner records and redistributes the output of a GNSS
// navigation device connected over a serial port.
//
// # Architecture
//
// One orchestrator owns the device connection and drives everything else:
//
//	┌─────────────────────────────────────┐
//	│         Session Orchestrator        │  Read loop, reset handshake,
//	│            (session)                │  protocol demux, routing
//	└─────────────────────────────────────┘
//	           ↓ fans out to
//	┌─────────────────────────────────────┐
//	│              Sinks                  │  logcapture, broadcast,
//	│  (capture, TCP/WebSocket, NTRIP)    │  correction, auxcapture
//	└─────────────────────────────────────┘
//
// The device byte stream carries three interleaved protocols: FusionEngine
// binary messages, NMEA-0183 sentences, and RTCM corrections. The protocol
// subpackages frame each of them independently from the same stream.
//
// At session start the orchestrator resets the device so the recorded log
// begins from a known navigation state. Until the device acknowledges the
// reset, inbound bytes feed only the FusionEngine decoder and nothing is
// recorded or redistributed.
//
// Sinks are isolated from each other: a slow broadcast client or a stalled
// NTRIP connection never blocks capture, and capture never drops bytes once
// the handshake completes.
package navrunner
