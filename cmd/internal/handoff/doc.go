// Package handoff moves a live session from one device to another.
//
// A Request is created pending, accepted by the target device, and then a transfer task
// streams progress to both devices while the snapshot is delivered and the target connection
// is bound to the session. Tokens offer the same flow through a scannable QR payload.
package handoff
