// Package config loads the EVENTBUS_* environment surface and converts it
// into the typed configuration of the bus, registry and worker.
package config
