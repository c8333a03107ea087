//go:build windows

package wplog

import (
	"wperf-engine/internal/config"

	"github.com/phuslu/log"
)

// createEventlogWriter creates an eventlog writer based on configuration
func createEventlogWriter(cfg *config.EventlogConfig) (log.Writer, error) {
	baseWriter := &log.EventlogWriter{
		Source: cfg.Source,
		ID:     uintptr(cfg.ID),
		Host:   cfg.Host,
	}

	if cfg.Async {
		return &log.AsyncWriter{
			ChannelSize: 4096,
			Writer:      baseWriter,
		}, nil
	}
	return baseWriter, nil
}
