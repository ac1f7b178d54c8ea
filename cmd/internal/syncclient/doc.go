// Package syncclient is a reference device client for the continuum realtime channel.
//
// A Client keeps a local copy of its session, applies updates pushed by sibling devices, and
// survives transport loss: it reconnects with bounded exponential backoff, re-authenticates
// with the latest refreshed credential, reloads the snapshot, and replays writes made while
// offline, oldest first.
package syncclient
