package am

import (
	"strconv"

	"github.com/teranos/nodereg/errors"
)

// ParseCodePoint parses an uppercase or lowercase hex code point such as "E001"
func ParseCodePoint(s string) (rune, error) {
	if s == "" {
		return 0, errors.New("empty code point")
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid code point %q", s)
	}
	return rune(n), nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Address space bounds must parse and every partition must sit inside the space.
	// Overlap between partitions is rejected by addr.New.
	start, err := ParseCodePoint(c.AddressSpace.Start)
	if err != nil {
		return errors.Wrap(err, "address_space.start")
	}
	end, err := ParseCodePoint(c.AddressSpace.End)
	if err != nil {
		return errors.Wrap(err, "address_space.end")
	}
	if start > end {
		return errors.Newf("address_space.start %s is after address_space.end %s", c.AddressSpace.Start, c.AddressSpace.End)
	}
	for name, r := range c.AddressSpace.Partitions() {
		lo, err := ParseCodePoint(r.Start)
		if err != nil {
			return errors.Wrapf(err, "address_space.%s.start", name)
		}
		hi, err := ParseCodePoint(r.End)
		if err != nil {
			return errors.Wrapf(err, "address_space.%s.end", name)
		}
		if lo > hi {
			return errors.Newf("address_space.%s: start %s is after end %s", name, r.Start, r.End)
		}
		if lo < start || hi > end {
			return errors.Newf("address_space.%s: range %s-%s lies outside %s-%s",
				name, r.Start, r.End, c.AddressSpace.Start, c.AddressSpace.End)
		}
	}

	// Cache capacity: 0 = cache nothing (valid per "zero means zero"), negative = invalid
	if c.Cache.Capacity < 0 {
		return errors.Newf("cache.capacity must be >= 0, got %d", c.Cache.Capacity)
	}

	// Default priority: 0 = use default 5, otherwise 1..10
	if c.Pipeline.DefaultPriority != 0 && (c.Pipeline.DefaultPriority < 1 || c.Pipeline.DefaultPriority > 10) {
		return errors.Newf("pipeline.default_priority must be within 1..10, got %d", c.Pipeline.DefaultPriority)
	}

	// Pipeline workers: 0 = no background workers, negative = invalid
	if c.Pipeline.Workers < 0 {
		return errors.Newf("pipeline.workers must be >= 0, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.PollIntervalMS < 0 {
		return errors.Newf("pipeline.poll_interval_ms must be >= 0, got %d", c.Pipeline.PollIntervalMS)
	}

	// Rate: 0 = unpaced, negative = invalid. A positive rate needs a positive burst.
	if c.Pipeline.RatePerSecond < 0 {
		return errors.Newf("pipeline.rate_per_second must be >= 0, got %f", c.Pipeline.RatePerSecond)
	}
	if c.Pipeline.RatePerSecond > 0 && c.Pipeline.Burst <= 0 {
		return errors.Newf("pipeline.burst must be > 0 when rate_per_second is set, got %d", c.Pipeline.Burst)
	}

	return nil
}
