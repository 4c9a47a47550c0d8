// Package lsn implements the Log Sequence Number type shared by every layer
// of the replication engine: a 64-bit unsigned monotonic position in the
// write-ahead log, with the server's `X/Y` hex text form.
package lsn

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LSN is a 64-bit WAL position. Ordering, equality, and hashing are
// identical to the underlying uint64.
type LSN uint64

// String renders the LSN in the server's text form: two uppercase hex
// halves separated by '/', with no leading zero-padding on either half.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// Parse parses an LSN in `X/Y` form, where each half is 1-8 hex digits.
// Parsing is case-insensitive; the round trip through String always yields
// the uppercase-normalized form regardless of the input's case.
func Parse(s string) (LSN, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("lsn: invalid format %q: expected X/Y", s)
	}
	upper, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("lsn: invalid upper half of %q: %w", s, err)
	}
	lower, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("lsn: invalid lower half of %q: %w", s, err)
	}
	return LSN(upper<<32 | lower), nil
}

// MustParse parses s, panicking on error. Intended for literals in tests
// and other places where the value is statically known to be valid.
func MustParse(s string) LSN {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Scan implements database/sql.Scanner so an LSN can be read directly out of
// a `::text`-cast column or a driver-provided string/[]byte value.
func (l *LSN) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = 0
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	case int64:
		*l = LSN(v)
		return nil
	default:
		return fmt.Errorf("lsn: cannot scan %T", src)
	}
}

// Value implements database/sql/driver.Valuer.
func (l LSN) Value() (driver.Value, error) {
	return l.String(), nil
}

// Lag returns the byte distance the replica is behind the given latest
// position. If latest has not advanced past current, the lag is zero.
func Lag(current, latest LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag renders a byte count as a human-readable size, optionally
// appending the given latency. A zero latency omits the time suffix.
func FormatLag(bytes uint64, latency time.Duration) string {
	size := formatBytes(bytes)
	if latency <= 0 {
		return size
	}
	return fmt.Sprintf("%s (%s)", size, latency.Truncate(time.Millisecond))
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
