package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// UnlimitedSentinel is the wire value of a session without a countdown.
const UnlimitedSentinel = "unlimited"

// Duration is a session length in whole minutes, or unlimited.
// On the wire it is either a JSON number or the string "unlimited".
type Duration struct {
	Minutes   int
	Unlimited bool
}

// Minutes returns a finite duration of n minutes.
func Minutes(n int) Duration {
	return Duration{Minutes: n}
}

// Unlimited returns the unlimited duration.
func Unlimited() Duration {
	return Duration{Unlimited: true}
}

// Length returns the countdown length. Zero for unlimited.
func (d Duration) Length() time.Duration {
	if d.Unlimited {
		return 0
	}
	return time.Duration(d.Minutes) * time.Minute
}

// Valid reports whether the duration can drive a session.
func (d Duration) Valid() bool {
	return d.Unlimited || d.Minutes > 0
}

func (d Duration) String() string {
	if d.Unlimited {
		return UnlimitedSentinel
	}
	return strconv.Itoa(d.Minutes)
}

// ParseDuration accepts the loosely typed duration values seen on the wire:
// numbers, numeric strings and the "unlimited" sentinel.
func ParseDuration(v any) (Duration, error) {
	switch val := v.(type) {
	case nil:
		return Duration{}, nil
	case Duration:
		return val, nil
	case int:
		return Minutes(val), nil
	case int64:
		return Minutes(int(val)), nil
	case float64:
		return wholeMinutes(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, val.String())
		}
		return wholeMinutes(f)
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return Duration{}, nil
		}
		if strings.EqualFold(s, UnlimitedSentinel) {
			return Unlimited(), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		return wholeMinutes(f)
	default:
		return Duration{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidDuration, v)
	}
}

// wholeMinutes rounds a positive fraction up so it never collapses to zero.
func wholeMinutes(f float64) (Duration, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return Duration{}, fmt.Errorf("%w: %v", ErrInvalidDuration, f)
	}
	if f > 0 {
		return Minutes(int(math.Ceil(f))), nil
	}
	return Minutes(int(f)), nil
}

// MarshalJSON writes "unlimited" or the number of minutes.
func (d Duration) MarshalJSON() ([]byte, error) {
	if d.Unlimited {
		return json.Marshal(UnlimitedSentinel)
	}
	return json.Marshal(d.Minutes)
}

// UnmarshalJSON accepts a number, a numeric string, "unlimited" or null.
func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = Duration{}
		return nil
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDuration, err)
	}

	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
