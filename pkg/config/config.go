package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".dbgsrv"
	configFile string = "config.yml"
)

// Broken connection policies, see Config.OnBrokenConnection.
const (
	PolicyDefault = "default"
	PolicyKeep    = "keep"
	PolicyKill    = "kill"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Listen is the address the server listens on.
	Listen string `yaml:"listen,omitempty"`
	// Password required from clients. The IDA_DBGSRV_PASSWD environment
	// variable and the --password flag take precedence.
	Password string `yaml:"password,omitempty"`
	// OnBrokenConnection selects what happens to the debuggee when a
	// client disappears without closing its session: default, keep or kill.
	OnBrokenConnection string `yaml:"on-broken-connection,omitempty"`
	// Backend is the debugger module used by new sessions.
	Backend string `yaml:"backend,omitempty"`
	// AcceptMulti lets the server accept more than one client.
	AcceptMulti *bool `yaml:"accept-multiclient,omitempty"`
	// HandshakeTimeout bounds the wait for the client's answer to RPC_OPEN.
	HandshakeTimeout time.Duration `yaml:"handshake-timeout,omitempty"`
	// PollInterval is how long an idle session waits for a request before
	// polling the debugger module for events.
	PollInterval time.Duration `yaml:"poll-interval,omitempty"`
	// OnlySameUser rejects loopback connections from other users.
	OnlySameUser *bool `yaml:"only-same-user,omitempty"`
	// LogOutput is the list of logging layers enabled by default.
	LogOutput string `yaml:"log-output,omitempty"`
}

// Validate checks the values that have a fixed set of choices.
func (c *Config) Validate() error {
	switch c.OnBrokenConnection {
	case "", PolicyDefault, PolicyKeep, PolicyKill:
	default:
		return fmt.Errorf("invalid on-broken-connection %q (want %s, %s or %s)", c.OnBrokenConnection, PolicyDefault, PolicyKeep, PolicyKill)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("invalid handshake-timeout %v", c.HandshakeTimeout)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("invalid poll-interval %v", c.PollInterval)
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml
// file, creating a commented default file if none exists.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, errors.Wrap(err, "could not create config directory")
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, errors.Wrap(err, "unable to get config file path")
	}
	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			return &Config{}, err
		}
	}
	return LoadConfigFrom(fullConfigFile)
}

// LoadConfigFrom reads the configuration in path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Config{}, errors.Wrap(err, "unable to open config file")
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return &Config{}, errors.Wrap(err, "unable to read config data")
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &Config{}, errors.Wrapf(err, "unable to decode config file %s", path)
	}
	if err := c.Validate(); err != nil {
		return &Config{}, errors.Wrapf(err, "config file %s", path)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return SaveConfigTo(conf, fullConfigFile)
}

// SaveConfigTo writes conf to path.
func SaveConfigTo(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return errors.Wrap(err, "unable to encode config")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "unable to create config file")
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return errors.Wrap(err, "unable to write default configuration")
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the dbgsrv debugger server.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Address to listen on.
# listen: "0.0.0.0:23946"

# What to do with the debuggee when a client disconnects abruptly:
# default (terminate it), keep (wait for the client to reconnect) or kill.
# on-broken-connection: default

# Debugger backend used by new sessions (sim or native).
# backend: native

# Accept more than one client.
# accept-multiclient: true

# How long to wait for the client's answer to the handshake.
# handshake-timeout: 30s

# How long an idle session waits before polling the debuggee for events.
# poll-interval: 100ms

# Reject loopback connections from other users.
# only-same-user: true

# Logging layers enabled by --log (rpc, session, debugger, fileio, server).
# log-output: session
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("DBGSRV_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, file), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configDir, file), nil
}
