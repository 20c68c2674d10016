// Package logging provides the leveled logger used across neurovoxel.
// Messages go to stderr through the standard log package unless a log file
// is configured, in which case they are written to a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
)

// Config controls where log output is written
type Config struct {
	// File is the path of the log file; empty means stderr
	File string `yaml:"file" env:"NEUROVOXEL_LOG_FILE"`

	// MaxSize is the size in megabytes at which the file is rotated
	MaxSize int `yaml:"maxSize" env:"NEUROVOXEL_LOG_MAX_SIZE"`

	// MaxAge is the number of days rotated files are kept
	MaxAge int `yaml:"maxAge" env:"NEUROVOXEL_LOG_MAX_AGE"`

	// Verbose enables debug messages
	Verbose bool `yaml:"verbose" env:"NEUROVOXEL_VERBOSE"`
}

var (
	mu      sync.Mutex
	logger  = log.New(os.Stderr, "", log.LstdFlags)
	verbose bool
	rotator *lumberjack.Logger
)

// Setup applies the configuration to the package logger
func Setup(c Config) {
	mu.Lock()
	defer mu.Unlock()

	verbose = c.Verbose
	if rotator != nil {
		rotator.Close()
		rotator = nil
	}
	if c.File == "" {
		logger.SetOutput(os.Stderr)
		return
	}
	rotator = &lumberjack.Logger{
		Filename: c.File,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
	logger.SetOutput(rotator)
}

// SetOutput redirects log output, mainly for tests
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

// SetVerbose toggles debug messages
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

// Close releases the rotating log file, if any
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	logger.SetOutput(os.Stderr)
	return err
}

// Debugf logs at DEBUG level when verbose output is enabled
func Debugf(format string, args ...interface{}) {
	mu.Lock()
	v := verbose
	mu.Unlock()
	if v {
		output("DEBUG", format, args...)
	}
}

// Infof logs at INFO level
func Infof(format string, args ...interface{}) {
	output("INFO", format, args...)
}

// Warningf logs at WARNING level
func Warningf(format string, args ...interface{}) {
	output("WARNING", format, args...)
}

// Errorf logs at ERROR level
func Errorf(format string, args ...interface{}) {
	output("ERROR", format, args...)
}

func output(level, format string, args ...interface{}) {
	logger.Output(3, " "+level+" "+fmt.Sprintf(format, args...))
}
