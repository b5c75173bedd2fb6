package instance

import (
	"os"
	"sync"
)

// IDEnv overrides the detected instance id, e.g. with a pod name.
const IDEnv = "MEDIASEARCH_INSTANCE_ID"

var (
	once sync.Once
	id   string
)

// GetID identifies this process in logs and in the asynq server name, so
// worker replicas can be told apart in queue inspection. It is resolved once.
func GetID() string {
	once.Do(func() { id = resolve() })
	return id
}

func resolve() string {
	if v := os.Getenv(IDEnv); v != "" {
		return v
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
