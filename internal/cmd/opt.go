package cmd

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// defaultConfFile is the configuration file path in the absence of the -c
// flag.
const defaultConfFile = "AdGuardDHCP.yaml"

// options are the command-line options of the client.  The surface is
// deliberately small: everything else lives in the configuration file.
type options struct {
	// confFile is the path of the configuration file.
	confFile string

	// logFile is the path of the log file.  Empty means stderr; "syslog"
	// is not supported.
	logFile string

	// release makes the client release every lease and exit.
	release bool

	// exit makes the client stop without releasing and exit.
	exit bool

	// verbose enables debug logging.
	verbose bool
}

// parseOptions parses the command-line arguments.
func parseOptions(cmdName string, args []string) (opts *options, err error) {
	defer func() { err = errors.Annotate(err, "%s: %w", cmdName) }()

	opts = &options{
		confFile: defaultConfFile,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-c", "--config":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("flag %s needs a value", arg)
			}

			opts.confFile = args[i]
		case "-l", "--log-file":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("flag %s needs a value", arg)
			}

			opts.logFile = args[i]
		case "-r", "--release":
			opts.release = true
		case "-x", "--exit":
			opts.exit = true
		case "-v", "--verbose":
			opts.verbose = true
		default:
			return nil, fmt.Errorf("unknown flag %q", arg)
		}
	}

	if opts.release && opts.exit {
		return nil, errors.Error("-r and -x are mutually exclusive")
	}

	return opts, nil
}
