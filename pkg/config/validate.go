package config

import (
	"fmt"
	"strings"
)

// Validate checks the assembled configuration for values outside their
// ranges. The first offending setting is returned.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return NewValidationError("server.addr", fmt.Errorf("%w: listen address is empty", ErrInvalidValue))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("log.level", fmt.Errorf("%w: %q is not a log level", ErrInvalidValue, c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return NewValidationError("log.format", fmt.Errorf("%w: %q is not a log format", ErrInvalidValue, c.Log.Format))
	}
	if c.Queue.Concurrency < 1 {
		return NewValidationError("queue.concurrency", fmt.Errorf("%w: %d is below 1", ErrInvalidValue, c.Queue.Concurrency))
	}
	if c.Queue.MaxDeliver < 1 {
		return NewValidationError("queue.max_deliver", fmt.Errorf("%w: %d is below 1", ErrInvalidValue, c.Queue.MaxDeliver))
	}
	if c.Queue.RedeliveryDelay < 0 {
		return NewValidationError("queue.redelivery_delay", fmt.Errorf("%w: delay is negative", ErrInvalidValue))
	}
	if t := c.Feedback.FalsePositiveThreshold; t < 0 || t > 1 {
		return NewValidationError("feedback.false_positive_threshold", fmt.Errorf("%w: %v is outside [0, 1]", ErrInvalidValue, t))
	}
	if t := c.Feedback.FalseNegativeThreshold; t < 0 || t > 1 {
		return NewValidationError("feedback.false_negative_threshold", fmt.Errorf("%w: %v is outside [0, 1]", ErrInvalidValue, t))
	}
	if c.Feedback.MinSampleSize < 1 {
		return NewValidationError("feedback.min_sample_size", fmt.Errorf("%w: %d is below 1", ErrInvalidValue, c.Feedback.MinSampleSize))
	}
	return nil
}
