package xen

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DomainConfig describes one guest domain. The zero wallclock means "use the
// host clock at domain construction".
type DomainConfig struct {
	TSCKHz  uint64 `yaml:"tsc_khz"`
	Initdom bool   `yaml:"initdom"`

	StartOfDay struct {
		TSC    uint64 `yaml:"tsc"`
		WcSec  uint64 `yaml:"wc_sec"`
		WcNsec uint64 `yaml:"wc_nsec"`
	} `yaml:"start_of_day"`

	Console struct {
		Cols int `yaml:"cols"`
		Rows int `yaml:"rows"`
	} `yaml:"console"`
}

func LoadDomainConfig(path string) (*DomainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("xen: read domain config: %w", err)
	}
	return ParseDomainConfig(data)
}

func ParseDomainConfig(data []byte) (*DomainConfig, error) {
	var cfg DomainConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("xen: parse domain config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *DomainConfig) validate() error {
	if c.TSCKHz == 0 {
		return fmt.Errorf("xen: domain config: tsc_khz is required")
	}
	if c.StartOfDay.WcNsec >= nsPerSec {
		return fmt.Errorf("xen: domain config: wc_nsec %d out of range", c.StartOfDay.WcNsec)
	}
	if c.Console.Cols < 0 || c.Console.Rows < 0 {
		return fmt.Errorf("xen: domain config: negative console size")
	}
	return nil
}
