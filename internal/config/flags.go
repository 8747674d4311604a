package config

import (
	"fmt"
	"io"
	"strings"
	"teebroker/internal/registry"

	"github.com/spf13/pflag"
)

// Options is the result of parsing the command line.
type Options struct {
	Config     *Config
	ConfigPath string
	Help       bool
	Version    bool

	flags *pflag.FlagSet
}

// Parse parses the daemon's command line. getenv supplies the environment;
// the auth token directory falls back to MC_AUTH_TOKEN_PATH. The returned
// Options can print usage even when err is non-nil.
func Parse(name string, args []string, getenv func(string) string) (*Options, error) {
	var (
		opts          Options
		background    bool
		decryptKey    string
		registryPaths []string
		drivers       []string
		lightMode     bool
		partitions    [NumPartitions]string
	)

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVarP(&background, "background", "b", false, "fork to background")
	fs.StringVarP(&decryptKey, "decryptKeySO", "d", "", "load the key secure object `FILE` at startup")
	fs.StringArrayVarP(&registryPaths, "registryPath", "p", nil, "registry search `DIR`; first is writable (repeatable)")
	fs.StringArrayVarP(&drivers, "driver", "r", nil, "preload secure driver `PATH|UUID` (repeatable)")
	fs.BoolVarP(&lightMode, "light_mode", "l", false, "run without storage and token installer")
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "read configuration from YAML `FILE`")
	for i := range partitions {
		fs.StringVar(&partitions[i], fmt.Sprintf("P%d", i), "", fmt.Sprintf("directory for storage partition %d", i))
	}
	fs.BoolVarP(&opts.Help, "help", "h", false, "show help")
	fs.BoolVarP(&opts.Version, "version", "v", false, "show version")
	opts.flags = fs

	if err := fs.Parse(args); err != nil {
		return &opts, err
	}
	if fs.NArg() > 0 {
		return &opts, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if opts.Help || opts.Version {
		return &opts, nil
	}

	cfg := Default()
	if opts.ConfigPath != "" {
		loaded, err := Load(opts.ConfigPath)
		if err != nil {
			return &opts, err
		}
		cfg = loaded
	}

	if fs.Changed("background") {
		cfg.Background = background
	}
	if fs.Changed("decryptKeySO") {
		cfg.DecryptionKey = decryptKey
	}
	if fs.Changed("registryPath") {
		cfg.RegistryPaths = registryPaths
	}
	cfg.Drivers = append(cfg.Drivers, drivers...)
	if fs.Changed("light_mode") {
		cfg.LightMode = lightMode
	}
	for i, dir := range partitions {
		if !fs.Changed(fmt.Sprintf("P%d", i)) {
			continue
		}
		if cfg.Partitions == nil {
			cfg.Partitions = make(map[int]string)
		}
		cfg.Partitions[i] = dir
	}
	if cfg.AuthTokenDir == "" && getenv != nil {
		cfg.AuthTokenDir = getenv(registry.AuthTokenPathEnv)
	}

	if err := cfg.Validate(); err != nil {
		return &opts, err
	}
	cfg.applyDefaults()
	opts.Config = cfg
	return &opts, nil
}

// Usage writes the help text to w.
func (o *Options) Usage(w io.Writer, name string) {
	fmt.Fprintf(w, "Usage: %s [options]\n\nOptions:\n", name)
	o.flags.SetOutput(w)
	o.flags.PrintDefaults()
	o.flags.SetOutput(io.Discard)
}

// String renders the effective configuration for the startup log.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "registry=%s", strings.Join(c.RegistryPaths, ":"))
	if c.AuthTokenDir != "" {
		fmt.Fprintf(&b, " token-dir=%s", c.AuthTokenDir)
	}
	fmt.Fprintf(&b, " socket=@%s debug=@%s", c.SocketName, c.DebugSocketName)
	if c.LightMode {
		b.WriteString(" light")
	}
	if len(c.Drivers) > 0 {
		fmt.Fprintf(&b, " drivers=%d", len(c.Drivers))
	}
	return b.String()
}
