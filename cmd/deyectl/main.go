// Command deyectl reads and writes inverter registers from the shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/config"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/holder"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/logging"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/registers"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/system"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	verbose    bool
	list       bool
	read       []string
	writes     []string
	device     string
	format     string
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}

	fs := pflag.NewFlagSet("deyectl", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "configs/config.yaml", "Configuration file path.")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "Log every inverter conversation to stderr.")
	fs.BoolVarP(&opts.list, "list", "l", false, "List known registers and exit.")
	fs.StringSliceVarP(&opts.read, "read", "r", nil, "Registers to read, comma separated.")
	fs.StringArrayVarP(&opts.writes, "write", "w", nil, "Register to write as name=value; may repeat.")
	fs.StringVarP(&opts.device, "device", "d", registers.AccumulatedPrefix, "Inverter name or 'all' for the accumulated view.")
	fs.StringVarP(&opts.format, "format", "f", "text", "Output format: text, json or yaml.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch opts.format {
	case formatText, formatJSON, formatYAML:
	default:
		return nil, fmt.Errorf("unknown format: %s", opts.format)
	}
	if !opts.list && len(opts.read) == 0 && len(opts.writes) == 0 {
		return nil, errors.New("nothing to do: use --read, --write or --list")
	}
	opts.device = strings.ToLower(opts.device)

	return opts, nil
}

type write struct {
	name  string
	value string
}

func parseWrite(s string) (write, error) {
	name, value, ok := strings.Cut(s, "=")
	name, value = strings.TrimSpace(name), strings.TrimSpace(value)
	if !ok || name == "" || value == "" {
		return write{}, fmt.Errorf("invalid write %q, expected name=value", s)
	}
	return write{name: name, value: value}, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options, out io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	level := "error"
	if opts.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, false)
	if err != nil {
		return err
	}
	defer logger.Sync()

	h, err := system.NewHolder(cfg, logger)
	if err != nil {
		return err
	}

	if opts.list {
		return render(out, opts.format, catalogListing(h.Catalog()))
	}

	res, err := execute(ctx, h, opts)
	if res == nil {
		return err
	}
	if rerr := render(out, opts.format, res); rerr != nil {
		return rerr
	}
	if err != nil {
		logger.Debug("Command finished with errors", zap.Error(err))
	}
	return err
}

// execute applies the writes first and then reads, all in one cycle
func execute(ctx context.Context, h *holder.Holder, opts *options) (*result, error) {
	writes := make([]write, 0, len(opts.writes))
	for _, s := range opts.writes {
		w, err := parseWrite(s)
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}

	set, ok := h.Device(opts.device)
	if !ok {
		return nil, fmt.Errorf("unknown device %q, known: all, %s", opts.device, strings.Join(h.Registry().Names(), ", "))
	}

	regs, err := h.Catalog().Select(opts.read...)
	if err != nil {
		return nil, err
	}

	res := &result{Device: set.Prefix()}

	var failed error
	cycleErr := h.Do(ctx, func(ctx context.Context) error {
		for _, w := range writes {
			e := entry{Name: w.name}
			written, err := h.Write(ctx, w.name, w.value)
			if err != nil {
				e.Error = err.Error()
				failed = errors.Join(failed, err)
			} else {
				e.Value = display(written)
				if r, ok := h.Catalog().Get(w.name); ok {
					e.Suffix = r.Suffix
				}
			}
			res.Written = append(res.Written, e)
		}

		if len(opts.read) == 0 {
			return nil
		}
		return h.ReadWithRetry(ctx, opts.read...)
	})
	if cycleErr != nil {
		res.Error = cycleErr.Error()
	}

	if len(opts.read) > 0 {
		for _, r := range regs {
			e := entry{Name: r.Name, Suffix: r.Suffix}
			if v, err := set.Value(r.Name); err != nil {
				e.Error = err.Error()
			} else {
				e.Value = display(v)
			}
			res.Registers = append(res.Registers, e)
		}
	}

	return res, errors.Join(failed, cycleErr)
}
