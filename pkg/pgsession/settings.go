package pgsession

import (
	"strconv"
	"strings"

	"github.com/sllt/pgsession/pkg/pgsession/config"
)

// Configuration keys understood by FromConfig. PG_DSN is not consumed here:
// it belongs to whoever dials the wire client.
const (
	keyIsolation      = "PGSESSION_ISOLATION"
	keyExtendedErrors = "PGSESSION_EXTENDED_ERRORS"
	keyDisplaySize    = "PGSESSION_DISPLAY_SIZE"
	keyCopyBuffer     = "PGSESSION_COPY_BUFFER"
)

// FromConfig derives connection options from configuration. Unset or
// malformed keys keep their defaults.
func FromConfig(cfg config.Config) []Option {
	var opts []Option

	switch strings.ToLower(cfg.Get(keyIsolation)) {
	case "none", "autocommit":
		opts = append(opts, WithIsolation(IsolationNone))
	case "read_committed":
		opts = append(opts, WithIsolation(IsolationReadCommitted))
	case "serializable":
		opts = append(opts, WithIsolation(IsolationSerializable))
	}

	if v := cfg.Get(keyExtendedErrors); v != "" {
		opts = append(opts, WithExtendedErrors(isTrue(v)))
	}

	if v := cfg.Get(keyDisplaySize); v != "" {
		opts = append(opts, WithDisplaySize(isTrue(v)))
	}

	if v := cfg.Get(keyCopyBuffer); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts = append(opts, WithCopyBufferSize(n))
		}
	}

	return opts
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	}

	return false
}
