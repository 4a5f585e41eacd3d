// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Config is used to set up logging.
type Config struct {
	// LogLevel is the minimum level to be logged.
	LogLevel string

	// LogJSON controls outputing logs in a JSON format.
	LogJSON bool

	// Name is the name the returned logger will use to prefix log lines.
	Name string
}

// Setup logging from Config, and return an hclog Logger.
//
// Logs are written to out. If out is nil, os.Stderr is used.
func Setup(config Config, out io.Writer) (hclog.InterceptLogger, error) {
	if out == nil {
		out = os.Stderr
	}
	if !ValidateLogLevel(config.LogLevel) {
		return nil, fmt.Errorf("Invalid log level: %s. Valid log levels are: %v",
			config.LogLevel, allowedLogLevels)
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Level:      LevelFromString(config.LogLevel),
		Name:       config.Name,
		Output:     out,
		JSONFormat: config.LogJSON,
	})

	return logger, nil
}
