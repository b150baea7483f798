// Package scholcache collects small tools to fetch scholarly metadata from
// remote APIs and keep the results in durable, file backed key-value caches.
package scholcache

const (
	// AppName is used for default cache and data directories.
	AppName = "scholcache"
	// Version of the tools.
	Version = "0.1.0"
)
