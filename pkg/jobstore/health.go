package jobstore

import (
	"strings"
	"time"

	"github.com/nimburion/jobstore/pkg/health"
)

const defaultBackendHealthCheckName = "jobstore-backend"

// NewBackendHealthChecker creates a standard health checker for a backend.
func NewBackendHealthChecker(name string, backend Backend, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultBackendHealthCheckName
	}
	return health.NewAdapterChecker(checkName, backend, timeout)
}
