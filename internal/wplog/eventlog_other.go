//go:build !windows

package wplog

import (
	"fmt"

	"wperf-engine/internal/config"

	"github.com/phuslu/log"
)

// The Windows Event Log writer only exists on Windows builds.
func createEventlogWriter(*config.EventlogConfig) (log.Writer, error) {
	return nil, fmt.Errorf("eventlog output is only available on windows")
}
