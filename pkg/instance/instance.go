// Package instance names the running worker replica in logs and cron lock diagnostics.
package instance

import "os"

// GetID returns STOREFRONT_WORKER_ID, falling back to the hostname.
func GetID() string {
	if id := os.Getenv("STOREFRONT_WORKER_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
