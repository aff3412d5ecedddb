// Package devicecache persists the last registered-device list a bridge
// received, so that after a restart it can reconnect devices before the
// server sends its first refresh.
//
// The server remains the source of truth: every refresh replaces the
// cached list for the bridge.
package devicecache
