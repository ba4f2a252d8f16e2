// Package logging builds the zap logger. The terminal belongs to the UI, so
// output goes to a file in the data directory.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const FileName = "debug.log"

// New returns a sugared logger writing to <dir>/debug.log. Verbose logs at
// debug level with the development encoder.
func New(dir string, verbose bool) (*zap.SugaredLogger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName)

	var config zap.Config
	if verbose {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		config.Encoding = "console"
	}
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	config.DisableStacktrace = !verbose
	config.OutputPaths = []string{path}
	config.ErrorOutputPaths = []string{path}

	l, err := config.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)
	return l.Sugar(), nil
}
