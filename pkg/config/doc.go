/*
Package config defines the engine configuration and its YAML representation.

Byte sizes accept human-readable forms via datasize ("64KB", "128MB", "1GB"),
durations accept Go duration strings ("30s", "12h"). Default() supplies the
engine defaults; Load() layers a YAML file over them and validates.

	path: /var/lib/sophia
	workers: 6
	page_size: 64KB
	node_size: 128MB
	cache: 1GB
	compression: zstd
	sync_on_write: true
	expire_period: 720h

Validation rejects impossible combinations early (node smaller than a page,
non-power-of-two direct-I/O alignment) so the engine never opens with a
configuration it cannot honor.
*/
package config
