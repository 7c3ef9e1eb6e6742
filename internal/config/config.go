package config

import (
	"flag"
	"fmt"
	"time"
)

// Close policies selectable via -closePolicy.
const (
	ClosePolicyHold = "hold"
	ClosePolicyGap  = "close"
)

// Config holds instance-level configuration for the service.
type Config struct {
	ListenAddr            string
	LineAddr              string
	MaxReceiveMessageSize int

	KeyAttribute   string
	ValueAttribute string
	Gap            time.Duration
	FireThreshold  int
	ClosePolicy    string

	MaxQueue        int
	OutputFormat    string
	OutputFile      string
	LogLevel        string
	GracefulTimeout time.Duration
}

// RegisterFlags registers CLI flags and returns a reader that captures them after flag.Parse().
func RegisterFlags() func() Config {
	listenAddr := flag.String("listenAddr", "localhost:4317", "The gRPC listen address")
	lineAddr := flag.String("lineAddr", "localhost:9999", "The line-protocol TCP listen address (empty disables)")
	maxRecv := flag.Int("maxReceiveMessageSize", 16*1024*1024, "The max message size in bytes the server can receive")

	keyAttr := flag.String("keyAttribute", "session.key", "Attribute carrying the session key")
	valueAttr := flag.String("valueAttribute", "session.value", "Attribute carrying the numeric event value")
	gap := flag.Duration("gap", 10*time.Second, "Session inactivity gap")
	fireThreshold := flag.Int("fireThreshold", 10, "Events per window between early fires")
	closePolicy := flag.String("closePolicy", ClosePolicyHold, "Gap expiry policy: hold|close")

	maxQueue := flag.Int("maxQueue", 100_000, "Max ingestion queue size")
	outFmt := flag.String("outputFormat", "json", "Output format: json|log")
	outFile := flag.String("outputFile", "", "Append emissions to this file instead of stdout")
	logLevel := flag.String("logLevel", "info", "Log level: debug|info|warn|error")
	graceful := flag.Duration("gracefulTimeout", 10*time.Second, "Graceful shutdown timeout")

	return func() Config {
		return Config{
			ListenAddr:            *listenAddr,
			LineAddr:              *lineAddr,
			MaxReceiveMessageSize: *maxRecv,
			KeyAttribute:          *keyAttr,
			ValueAttribute:        *valueAttr,
			Gap:                   *gap,
			FireThreshold:         *fireThreshold,
			ClosePolicy:           *closePolicy,
			MaxQueue:              *maxQueue,
			OutputFormat:          *outFmt,
			OutputFile:            *outFile,
			LogLevel:              *logLevel,
			GracefulTimeout:       *graceful,
		}
	}
}

// Validate rejects out-of-range values before any component starts; the
// engine itself never re-checks them per event.
func (c Config) Validate() error {
	if c.Gap <= 0 {
		return fmt.Errorf("config: gap must be positive, got %v", c.Gap)
	}

	if c.FireThreshold <= 0 {
		return fmt.Errorf("config: fireThreshold must be positive, got %d", c.FireThreshold)
	}

	if c.ClosePolicy != ClosePolicyHold && c.ClosePolicy != ClosePolicyGap {
		return fmt.Errorf("config: unknown closePolicy %q", c.ClosePolicy)
	}

	if c.OutputFormat != "json" && c.OutputFormat != "log" {
		return fmt.Errorf("config: unknown outputFormat %q", c.OutputFormat)
	}

	if c.MaxReceiveMessageSize <= 0 {
		return fmt.Errorf("config: maxReceiveMessageSize must be positive, got %d", c.MaxReceiveMessageSize)
	}

	if c.KeyAttribute == "" {
		return fmt.Errorf("config: keyAttribute must not be empty")
	}

	if c.MaxQueue < 0 {
		return fmt.Errorf("config: maxQueue must not be negative, got %d", c.MaxQueue)
	}

	return nil
}
