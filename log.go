package apkinsight

import "github.com/rs/zerolog"

// Options configures a single Open/OpenReader call (spec §11's stand-in
// for a configuration layer: there is no daemon here, just tunables that
// bound how much work a hostile input can make this package do).
type Options struct {
	// Logger, if set, receives a Debug() event for silently recovered
	// tamper conditions (bad chunk types, out-of-range ZIP fields, unknown
	// signing block IDs, ...). A miscounted string pool and a nonzero
	// TypeSpec.res0 are not logged. The zero value is a disabled logger,
	// so by default this library writes nothing anywhere.
	Logger *zerolog.Logger

	// MaxEntrySize bounds how many bytes a single ZIP entry may inflate
	// to. Zero means unbounded. Guards the "memory pressure proportional
	// to APK size" note in spec §5 against a deflate bomb.
	MaxEntrySize int64

	// MaxResolveDepth bounds ARSC reference-resolution recursion (spec
	// §4.5, §9). Zero selects the package default of 20.
	MaxResolveDepth int
}

const defaultMaxResolveDepth = 20

func (o *Options) resolveDepth() int {
	if o == nil || o.MaxResolveDepth <= 0 {
		return defaultMaxResolveDepth
	}
	return o.MaxResolveDepth
}

// logTamper emits a debug log line for a recovered malformation, if a
// logger was configured. It is always safe to call with a nil *Options.
func logTamper(o *Options, component, msg string) {
	if o == nil || o.Logger == nil {
		return
	}
	o.Logger.Debug().Str("component", component).Msg(msg)
}
