package config

import (
	"github.com/spf13/pflag"
)

// Flags is the command-line surface. A flag overrides its environment
// variable only when it was set explicitly.
type Flags struct {
	fs *pflag.FlagSet

	index      string
	docType    string
	listenAddr string
	listenPort int
	verbose    bool
	connLimit  int
	instanceID string
	instanceIP string
	logLevel   string
	envFile    string
	version    bool
}

// NewFlags registers the relay flags on fs.
func NewFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.index, "index", "logging", "index name prefix; a UTC date suffix is appended")
	fs.StringVar(&f.docType, "doc-type", "docker", "document type path segment")
	fs.StringVar(&f.listenAddr, "listen-addr", "0.0.0.0", "UDP address to listen on")
	fs.IntVar(&f.listenPort, "listen-port", 12201, "UDP port to listen on")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log every delivered record")
	fs.IntVar(&f.connLimit, "conn-limit", 100, "maximum concurrent backend connections")
	fs.StringVar(&f.instanceID, "instance-id", "", "value stamped into the host field")
	fs.StringVar(&f.instanceIP, "instance-ip", "", "value stamped into the host_addr field")
	fs.StringVar(&f.logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	fs.StringVar(&f.envFile, "env-file", "", "dotenv file to load before reading the environment")
	fs.BoolVar(&f.version, "version", false, "print version and exit")
	return f
}

// EnvFile returns the --env-file value.
func (f *Flags) EnvFile() string {
	if f == nil {
		return ""
	}
	return f.envFile
}

// ShowVersion reports whether --version was given.
func (f *Flags) ShowVersion() bool {
	return f != nil && f.version
}

// apply copies explicitly set flags, and the positional backend URL, onto cfg.
func (f *Flags) apply(cfg *Config) {
	if f == nil {
		return
	}
	if args := f.fs.Args(); len(args) > 0 {
		cfg.Backend.URL = args[0]
	}

	changed := f.fs.Changed
	if changed("index") {
		cfg.Backend.Index = f.index
	}
	if changed("doc-type") {
		cfg.Backend.DocType = f.docType
	}
	if changed("listen-addr") {
		cfg.Listener.Addr = f.listenAddr
	}
	if changed("listen-port") {
		cfg.Listener.Port = f.listenPort
	}
	if changed("verbose") {
		cfg.Verbose = f.verbose
	}
	if changed("conn-limit") {
		cfg.Backend.MaxConns = f.connLimit
	}
	if changed("instance-id") {
		cfg.Instance.ID = f.instanceID
	}
	if changed("instance-ip") {
		cfg.Instance.IP = f.instanceIP
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}
