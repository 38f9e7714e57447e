package nbd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config describes a set of exports to serve, as loaded from a YAML file by
// the serve subcommand. It intentionally mirrors the Export type closely:
// the file format exists only to let an operator describe several exports
// (and their backing files) without a long command line.
type Config struct {
	Listen  string         `yaml:"listen"`
	Unix    bool           `yaml:"unix"`
	Exports []ExportConfig `yaml:"exports"`
}

// ExportConfig describes a single export entry in a Config file.
//
// There is no read_only field: read-only exports are a non-goal, and the
// server always advertises transmitFlagsDefault regardless of what a config
// entry might ask for, so a flag here would silently do nothing.
type ExportConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Path        string `yaml:"path"`
	BlockSize   uint32 `yaml:"block_size,omitempty"`
}

// LoadConfig reads and parses a Config from path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(cfg.Exports) == 0 {
		return nil, fmt.Errorf("%s: no exports configured", path)
	}
	return &cfg, nil
}

// OpenExports opens the backing file for each configured export and returns
// the resulting Export values, ready to pass to ListenAndServe. Callers are
// responsible for closing the returned FileDevices once done.
func (c *Config) OpenExports() ([]Export, []*FileDevice, error) {
	var exports []Export
	var devices []*FileDevice
	for _, ec := range c.Exports {
		fd, err := OpenFileDevice(ec.Path)
		if err != nil {
			for _, d := range devices {
				d.Close()
			}
			return nil, nil, fmt.Errorf("opening export %q: %w", ec.Name, err)
		}
		devices = append(devices, fd)
		var bs *BlockSizeConstraints
		if ec.BlockSize != 0 {
			bs = &BlockSizeConstraints{Min: blockSizeMin, Preferred: ec.BlockSize, Max: blockSizeMax}
		}
		exports = append(exports, Export{
			Name:        ec.Name,
			Description: ec.Description,
			Size:        fd.Size(),
			Flags:       transmitFlagsDefault,
			BlockSizes:  bs,
			Device:      fd,
		})
	}
	return exports, devices, nil
}
