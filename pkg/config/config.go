package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".crashsnap"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the
// config file at ~/.crashsnap/config.yml.
type Config struct {
	// SymbolSearchPath is passed to SymInitialize as the symbol search path
	// (semicolon-separated, may reference _NT_SYMBOL_PATH-style tokens).
	SymbolSearchPath string `yaml:"symbol-search-path"`

	// MaxRecursion bounds how many consecutive identical PC/return-address
	// frames are collapsed into a single recursion marker. Zero means
	// unlimited: recursive frames are never collapsed.
	MaxRecursion int `yaml:"max-recursion"`

	// MaxInstructions bounds how many disassembled instructions are kept
	// per stack frame. Zero disables disassembly entirely.
	MaxInstructions int `yaml:"max-instructions"`

	// BreakOnFirstChanceOnly limits the PauseOnBreakpoint keypress pause
	// after an exception to first-chance deliveries. Every exception is
	// still snapshotted; breakpoints are unaffected.
	BreakOnFirstChanceOnly bool `yaml:"break-on-first-chance-only"`

	// PauseOnBreakpoint, if true, blocks on a keypress after a breakpoint
	// hit or an exception before continuing the debuggee.
	PauseOnBreakpoint bool `yaml:"pause-on-breakpoint"`

	// OutputTemplate is the path template for binary log output files.
	// Supports {pid}, {process}, {date} substitutions.
	OutputTemplate string `yaml:"output-template"`

	// NoColor disables ANSI colorization in the textual sink. No terminal
	// detection is done; color is on unless this or --no-color is set.
	NoColor bool `yaml:"no-color"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return defaultConfig()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return defaultConfig()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return defaultConfig()
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return defaultConfig()
	}

	c := defaultConfig()
	err = yaml.Unmarshal(data, c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return defaultConfig()
	}

	return c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func defaultConfig() *Config {
	return &Config{
		MaxRecursion:    10,
		MaxInstructions: 10,
		OutputTemplate:  "{process}-{pid}-{date}.hsl",
	}
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for crashsnap.

# This is the default configuration file. Available options are provided,
# most disabled. Delete the leading hash mark to enable an item.

# Semicolon-separated symbol search path passed to the DbgHelp symbol
# engine. Leave unset to use the default (embedded PDB / _NT_SYMBOL_PATH).
# symbol-search-path: "C:\\symbols;SRV*C:\\symcache*https://msdl.microsoft.com/download/symbols"

# Consecutive recursive frames collapsed into one marker. 0 = unlimited.
max-recursion: 10

# Disassembled instructions kept per frame. 0 disables disassembly.
max-instructions: 10

# With pause-on-breakpoint, pause after an exception only on its
# first-chance delivery. Every exception is still snapshotted.
break-on-first-chance-only: false

# Block on a keypress after a breakpoint or exception before resuming.
pause-on-breakpoint: false

# Path template for binary log output. Supports {pid}, {process}, {date}.
output-template: "{process}-{pid}-{date}.hsl"

# Disable ANSI colorization in the textual sink.
no-color: false
`)
	return err
}

// createConfigPath creates the directory structure at which all config
// files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
