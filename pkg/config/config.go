package config

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/bizflycloud/feather/pkg/errdefs"
	"github.com/bizflycloud/feather/pkg/retention"
	"github.com/bizflycloud/feather/pkg/schedule"
)

// Config is a validated feather configuration.
type Config struct {
	Path string

	Catalog *schedule.Catalog
	Levels  []schedule.Level
	Targets []retention.Target

	// Passed through to tarsnap.
	CacheDir        string
	KeyFile         string
	BinPath         string
	CheckpointBytes uint64

	MaxRuntime time.Duration

	PidFile   string
	LogFile   string
	BrokerURL string
	Listen    string
	Cron      string
}

type document struct {
	Schedule        []namedLevel  `yaml:"schedule"`
	Backups         []namedTarget `yaml:"backups"`
	CacheDir        string        `yaml:"cachedir"`
	KeyFile         string        `yaml:"keyfile"`
	BinPath         string        `yaml:"binpath"`
	CheckpointBytes string        `yaml:"checkpoint_bytes"`
	MaxRuntime      string        `yaml:"max_runtime"`
	PidFile         string        `yaml:"pidfile"`
	LogFile         string        `yaml:"logfile"`
	BrokerURL       string        `yaml:"broker_url"`
	Listen          string        `yaml:"listen"`
	Cron            string        `yaml:"cron"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &errdefs.ConfigError{Section: "file", Name: path, Msg: err.Error()}
	}
	cfg, err := Parse(buf)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var doc document
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, &errdefs.ConfigError{Section: "document", Msg: err.Error()}
	}

	cfg := &Config{
		CacheDir:  doc.CacheDir,
		KeyFile:   doc.KeyFile,
		BinPath:   doc.BinPath,
		PidFile:   doc.PidFile,
		LogFile:   doc.LogFile,
		BrokerURL: doc.BrokerURL,
		Listen:    doc.Listen,
		Cron:      doc.Cron,
	}

	if doc.CheckpointBytes != "" {
		n, err := humanize.ParseBytes(doc.CheckpointBytes)
		if err != nil {
			return nil, &errdefs.ConfigError{Section: "checkpoint_bytes", Msg: err.Error()}
		}
		cfg.CheckpointBytes = n
	}
	if doc.MaxRuntime != "" {
		d, err := ParseSeconds(doc.MaxRuntime)
		if err != nil || d < 0 {
			return nil, &errdefs.ConfigError{Section: "max_runtime", Msg: fmt.Sprintf("%q is not a number of seconds", doc.MaxRuntime)}
		}
		cfg.MaxRuntime = d
	}

	for _, nl := range doc.Schedule {
		l, err := nl.level()
		if err != nil {
			return nil, err
		}
		cfg.Levels = append(cfg.Levels, l)
	}
	catalog, err := schedule.New(cfg.Levels)
	if err != nil {
		return nil, err
	}
	cfg.Catalog = catalog

	if len(doc.Backups) == 0 {
		return nil, &errdefs.ConfigError{Section: "backups", Msg: "no backups defined"}
	}
	seen := make(map[string]bool, len(doc.Backups))
	for _, nt := range doc.Backups {
		t, err := nt.target()
		if err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, &errdefs.ConfigError{Section: "backups", Name: t.Name, Msg: "backup defined more than once"}
		}
		seen[t.Name] = true
		if !catalog.Has(t.Schedule) {
			return nil, &errdefs.ConfigError{Section: "backups", Name: t.Name, Msg: fmt.Sprintf("schedule %q is not defined", t.Schedule)}
		}
		cfg.Targets = append(cfg.Targets, t)
	}
	return cfg, nil
}

// ParseSeconds accepts a plain number of seconds or a duration string such as "90m".
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

type namedLevel struct {
	name   string
	params levelParams
}

func (n *namedLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var m map[string]levelParams
	if err := unmarshal(&m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("schedule entries must have exactly one level name, got %d", len(m))
	}
	for k, v := range m {
		n.name, n.params = k, v
	}
	return nil
}

func (n namedLevel) level() (schedule.Level, error) {
	cfgErr := func(msg string) error {
		return &errdefs.ConfigError{Section: "schedule", Name: n.name, Msg: msg}
	}
	p := n.params
	l := schedule.Level{Name: n.name}
	if p.Period == nil {
		return l, cfgErr("'period' not defined")
	}
	d, err := ParseSeconds(*p.Period)
	if err != nil {
		return l, cfgErr(fmt.Sprintf("'period' %q is not a number of seconds", *p.Period))
	}
	l.Period = d
	if p.AlwaysKeep == nil {
		return l, cfgErr("'always_keep' not defined")
	}
	l.AlwaysKeep = *p.AlwaysKeep
	if p.Implies != nil {
		l.Implies = *p.Implies
	}
	if p.Before != nil {
		l.Before = *p.Before
	}
	if p.After != nil {
		l.After = *p.After
	}
	return l, nil
}

// levelParams accepts both a mapping and a list of single-key
// mappings. Scalars decode into strings so "0500" keeps its leading zero.
type levelParams struct {
	Period     *string `yaml:"period"`
	AlwaysKeep *int    `yaml:"always_keep"`
	Implies    *string `yaml:"implies"`
	Before     *string `yaml:"before"`
	After      *string `yaml:"after"`
}

func (p *levelParams) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain levelParams
	var probe interface{}
	if err := unmarshal(&probe); err != nil {
		return err
	}
	if _, ok := probe.([]interface{}); !ok {
		return unmarshal((*plain)(p))
	}
	var list []plain
	if err := unmarshal(&list); err != nil {
		return err
	}
	for _, item := range list {
		if err := setOnce("period", &p.Period, item.Period); err != nil {
			return err
		}
		if item.AlwaysKeep != nil {
			if p.AlwaysKeep != nil {
				return fmt.Errorf("'always_keep' given more than once")
			}
			p.AlwaysKeep = item.AlwaysKeep
		}
		if err := setOnce("implies", &p.Implies, item.Implies); err != nil {
			return err
		}
		if err := setOnce("before", &p.Before, item.Before); err != nil {
			return err
		}
		if err := setOnce("after", &p.After, item.After); err != nil {
			return err
		}
	}
	return nil
}

type namedTarget struct {
	name   string
	params targetParams
}

func (n *namedTarget) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var m map[string]targetParams
	if err := unmarshal(&m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("backup entries must have exactly one name, got %d", len(m))
	}
	for k, v := range m {
		n.name, n.params = k, v
	}
	return nil
}

func (n namedTarget) target() (retention.Target, error) {
	t := retention.Target{Name: n.name}
	if n.name == "" {
		return t, &errdefs.ConfigError{Section: "backups", Msg: "backup without a name"}
	}
	if n.params.Schedule == nil || *n.params.Schedule == "" {
		return t, &errdefs.ConfigError{Section: "backups", Name: n.name, Msg: "'schedule' not defined"}
	}
	if n.params.Path == nil || *n.params.Path == "" {
		return t, &errdefs.ConfigError{Section: "backups", Name: n.name, Msg: "'path' not defined"}
	}
	t.Schedule = *n.params.Schedule
	t.Path = *n.params.Path
	return t, nil
}

type targetParams struct {
	Schedule *string `yaml:"schedule"`
	Path     *string `yaml:"path"`
}

func (p *targetParams) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain targetParams
	var probe interface{}
	if err := unmarshal(&probe); err != nil {
		return err
	}
	if _, ok := probe.([]interface{}); !ok {
		return unmarshal((*plain)(p))
	}
	var list []plain
	if err := unmarshal(&list); err != nil {
		return err
	}
	for _, item := range list {
		if err := setOnce("schedule", &p.Schedule, item.Schedule); err != nil {
			return err
		}
		if err := setOnce("path", &p.Path, item.Path); err != nil {
			return err
		}
	}
	return nil
}

func setOnce(key string, dst **string, v *string) error {
	if v == nil {
		return nil
	}
	if *dst != nil {
		return fmt.Errorf("'%s' given more than once", key)
	}
	*dst = v
	return nil
}
