// Package conflict detects divergence between a device's cached state and the authoritative
// session state, and applies the resolution the device picks.
package conflict
