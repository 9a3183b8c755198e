package ext2

import (
	"fmt"
	"strings"
)

// mountOptions is the parsed form of the comma-separated mount option
// string. Exactly one of the errors behaviors is active at a time.
type mountOptions struct {
	errorsContinue  bool
	errorsRemountRO bool
	errorsPanic     bool
	debug           bool
	synchronous     bool
}

// parseMountOptions parses a comma-separated option string on top of the
// given defaults. Later options override earlier ones.
func parseMountOptions(options string, defaults mountOptions) (mountOptions, error) {
	opts := defaults
	for _, p := range strings.Split(options, ",") {
		if p == "" {
			continue
		}
		switch p {
		case "errors=continue":
			opts.errorsContinue, opts.errorsRemountRO, opts.errorsPanic = true, false, false
		case "errors=remount-ro":
			opts.errorsContinue, opts.errorsRemountRO, opts.errorsPanic = false, true, false
		case "errors=panic":
			opts.errorsContinue, opts.errorsRemountRO, opts.errorsPanic = false, false, true
		case "debug":
			opts.debug = true
		case "sync":
			opts.synchronous = true
		default:
			return opts, fmt.Errorf("unrecognized mount option %q: %w", p, ErrInvalid)
		}
	}
	return opts, nil
}

// optionsFromSuperblock derives the default error behavior from the
// persisted errors field.
func optionsFromSuperblock(sb *superblock) mountOptions {
	var opts mountOptions
	switch sb.errorsBehavior {
	case errorsPanic:
		opts.errorsPanic = true
	case errorsContinue:
		opts.errorsContinue = true
	default:
		opts.errorsRemountRO = true
	}
	return opts
}

// ShowOptions renders the active mount options the way they would be passed
// at mount time.
func (fs *FileSystem) ShowOptions() string {
	fs.sbMu.Lock()
	defer fs.sbMu.Unlock()

	var parts []string
	if fs.options.errorsRemountRO {
		defErrors := fs.sb.errorsBehavior
		if defErrors == errorsPanic || defErrors == errorsContinue {
			parts = append(parts, "errors=remount-ro")
		}
	}
	if fs.options.errorsContinue {
		parts = append(parts, "errors=continue")
	}
	if fs.options.errorsPanic {
		parts = append(parts, "errors=panic")
	}
	if fs.options.debug {
		parts = append(parts, "debug")
	}
	if fs.options.synchronous {
		parts = append(parts, "sync")
	}
	return strings.Join(parts, ",")
}
