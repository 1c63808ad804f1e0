// Package instance names the running process for logs and lock owners.
package instance

import (
	"os"
	"sync"

	"github.com/angelmondragon/pulse-engine/pkg/env"
)

const fallbackID = "pulse-0"

var (
	once sync.Once
	id   string
)

// ID returns PULSE_INSTANCE_ID, then the platform's dyno or pod name, then
// the hostname. The value is resolved once per process.
func ID() string {
	once.Do(func() {
		id = resolve(os.Hostname)
	})
	return id
}

func resolve(hostname func() (string, error)) string {
	if v := env.First("", "PULSE_INSTANCE_ID", "DYNO", "POD_NAME"); v != "" {
		return v
	}
	if h, err := hostname(); err == nil && h != "" {
		return h
	}
	return fallbackID
}
