package decoding

import (
	"github.com/cockroachdb/errors"

	"cdc-json/internal/pgtext"
)

// Option names accepted at stream start.
const (
	OptIncludeXids       = "include-xids"
	OptIncludeTimestamp  = "include-timestamp"
	OptSkipEmptyXacts    = "skip-empty-xacts"
	OptOnlyLocalOrigin   = "only-local-origin"
	OptIncludeRewrites   = "include-rewrites"
	OptIncludeToastDatum = "include-toast-datum"
)

var (
	// ErrUnknownOption is returned for an option name the decoder does not
	// recognise, and for a boolean option other than only-local-origin given
	// without a value.
	ErrUnknownOption = errors.New("unknown option")
	// ErrInvalidConfigValue is returned when a boolean option's argument does
	// not parse.
	ErrInvalidConfigValue = errors.New("invalid option value")
)

// Option is one startup argument. Value is nil when the option was given
// without an argument.
type Option struct {
	Name  string  `yaml:"name"`
	Value *string `yaml:"value,omitempty"`
}

// StreamConfig controls what the encoder emits for one stream.
type StreamConfig struct {
	IncludeXids       bool
	IncludeTimestamp  bool
	SkipEmptyXacts    bool
	OnlyLocalOrigin   bool
	IncludeToastDatum bool
}

// OutputOptions are returned to the source. They change what the source
// delivers, not how records are rendered.
type OutputOptions struct {
	// ReceiveRewrites asks for changes made to the transient heap of a table
	// rewrite.
	ReceiveRewrites bool
}

// DefaultStreamConfig is the configuration used when no options are given.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		IncludeXids:       true,
		IncludeTimestamp:  true,
		SkipEmptyXacts:    true,
		OnlyLocalOrigin:   false,
		IncludeToastDatum: true,
	}
}

// ParseOptions applies options, in order, on top of the defaults.
func ParseOptions(options []Option) (StreamConfig, OutputOptions, error) {
	cfg := DefaultStreamConfig()
	var out OutputOptions

	for _, opt := range options {
		var target *bool
		switch opt.Name {
		case OptIncludeXids:
			target = &cfg.IncludeXids
		case OptIncludeTimestamp:
			target = &cfg.IncludeTimestamp
		case OptSkipEmptyXacts:
			target = &cfg.SkipEmptyXacts
		case OptOnlyLocalOrigin:
			target = &cfg.OnlyLocalOrigin
			if opt.Value == nil {
				cfg.OnlyLocalOrigin = true
				continue
			}
		case OptIncludeRewrites:
			target = &out.ReceiveRewrites
		case OptIncludeToastDatum:
			target = &cfg.IncludeToastDatum
		default:
			return StreamConfig{}, OutputOptions{}, unknownOption(opt)
		}

		// Only only-local-origin may be given bare; any other boolean
		// without a value is not a recognised option.
		if opt.Value == nil {
			return StreamConfig{}, OutputOptions{}, unknownOption(opt)
		}
		v, err := pgtext.ParseBool(*opt.Value)
		if err != nil {
			return StreamConfig{}, OutputOptions{}, errors.Mark(
				errors.Wrapf(err, "could not parse value %q for parameter %q", *opt.Value, opt.Name),
				ErrInvalidConfigValue)
		}
		*target = v
	}
	return cfg, out, nil
}

func unknownOption(opt Option) error {
	return errors.Mark(
		errors.Newf("option %q = %q is unknown", opt.Name, valueString(opt.Value)),
		ErrUnknownOption)
}

func valueString(v *string) string {
	if v == nil {
		return "(null)"
	}
	return *v
}
