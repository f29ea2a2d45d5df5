package config

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Format tags the payload of a record.
type Format string

const (
	FormatXML    Format = "xml"
	FormatText   Format = "text"
	FormatBinary Format = "binary"
)

// Driver names a record-discovery strategy for a work unit.
type Driver string

const (
	DriverXML       Driver = "xml"
	DriverDelimited Driver = "delimited"
	DriverDocument  Driver = "document"
	DriverPDF       Driver = "pdf"
)

// Config holds the job settings. It is immutable once loaded, except for
// the start id, which is cleared at most once by the loader that finds it.
type Config struct {
	// InputPath is a file, directory or zip archive to ingest.
	InputPath string `mapstructure:"input_path"`
	// InputPattern filters file names when InputPath is a directory.
	InputPattern string `mapstructure:"input_pattern"`
	// InputEncoding is the IANA charset name of text inputs ("" = UTF-8).
	InputEncoding string `mapstructure:"input_encoding"`
	// InputDriver selects how records are discovered within a work unit.
	InputDriver Driver `mapstructure:"input_driver"`
	// InputStripPrefix is removed from the front of raw record ids.
	InputStripPrefix string `mapstructure:"input_strip_prefix"`
	// InputNormalizePaths coalesces backslash runs in record paths to "/".
	InputNormalizePaths bool `mapstructure:"input_normalize_paths"`

	// ConnectionURI names the content store, e.g. gs://bucket/prefix or
	// firestore://project/collection. The mem:// scheme keeps documents
	// in process and is used by dry runs.
	ConnectionURI string `mapstructure:"connection_uri"`

	URIPrefix string `mapstructure:"uri_prefix"`
	URISuffix string `mapstructure:"uri_suffix"`

	// UseFilenameIds derives record ids from the record path instead of
	// the id found in the input.
	UseFilenameIds bool `mapstructure:"use_filename_ids"`
	// UseFilenameCollection tags inserted documents with the basename of
	// the file they came from.
	UseFilenameCollection bool `mapstructure:"use_filename_collection"`

	SkipExisting  bool `mapstructure:"skip_existing"`
	ErrorExisting bool `mapstructure:"error_existing"`

	// StartID resumes an interrupted job: records are skipped until the
	// record with this id is seen, which is then processed normally.
	StartID string `mapstructure:"start_id"`

	Threads int    `mapstructure:"threads"`
	Format  Format `mapstructure:"format"`

	// XML driver settings.
	RecordName   string `mapstructure:"record_name"`
	RecordIDName string `mapstructure:"record_id_name"`

	// Delimited driver settings.
	Delimiter string `mapstructure:"delimiter"`
	IDField   int    `mapstructure:"id_field"`

	// Optional Cloud Workflows hand-off on job completion.
	ProjectID        string `mapstructure:"project_id"`
	WorkflowID       string `mapstructure:"workflow_id"`
	WorkflowLocation string `mapstructure:"workflow_location"`

	// DryRun redirects the job at an in-process store.
	DryRun bool `mapstructure:"dry_run"`
	// MetricsAddr serves prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `mapstructure:"metrics_addr"`

	startID atomic.Pointer[string]
}

// flagKeys maps config keys onto the CLI flag names bound in Load.
var flagKeys = map[string]string{
	"input_path":              "input",
	"input_pattern":           "pattern",
	"input_encoding":          "encoding",
	"input_driver":            "driver",
	"input_strip_prefix":      "strip-prefix",
	"input_normalize_paths":   "normalize-paths",
	"connection_uri":          "connection",
	"uri_prefix":              "uri-prefix",
	"uri_suffix":              "uri-suffix",
	"use_filename_ids":        "filename-ids",
	"use_filename_collection": "filename-collection",
	"skip_existing":           "skip-existing",
	"error_existing":          "error-existing",
	"start_id":                "start-id",
	"threads":                 "threads",
	"format":                  "format",
	"record_name":             "record-name",
	"record_id_name":          "record-id-name",
	"delimiter":               "delimiter",
	"id_field":                "id-field",
	"project_id":              "project",
	"workflow_id":             "workflow",
	"workflow_location":       "workflow-location",
	"dry_run":                 "dry-run",
	"metrics_addr":            "metrics-addr",
}

// Load reads settings from the optional YAML file at path, RECORDFLOW_*
// environment variables and any bound CLI flags, applies defaults and
// validates. Precedence: flags over env over file over defaults.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("recordflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "binding flag %s", name)
				}
			}
		}
	}

	v.SetDefault("input_driver", string(DriverDocument))
	v.SetDefault("format", string(FormatXML))
	v.SetDefault("threads", 4)
	v.SetDefault("record_name", "record")
	v.SetDefault("record_id_name", "id")
	v.SetDefault("delimiter", "\t")
	v.SetDefault("id_field", 0)
	v.SetDefault("workflow_location", "us-central1")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}
	if err := cfg.init(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// init normalizes derived settings and seeds the start id. It is split
// from Load so tests can build a Config literal and call Setup.
func (c *Config) init() error {
	if c.DryRun {
		c.ConnectionURI = "mem://"
	}
	if c.ConnectionURI == "" {
		return errors.New("connection_uri must be set")
	}
	if c.Threads < 1 {
		return errors.Errorf("threads must be positive, got %d", c.Threads)
	}
	if c.SkipExisting && c.ErrorExisting {
		return errors.New("skip_existing and error_existing are mutually exclusive")
	}
	// the uri prefix always ends in '/' so composed uris never need one
	if c.URIPrefix != "" && !strings.HasSuffix(c.URIPrefix, "/") {
		c.URIPrefix += "/"
	}
	if c.StartID != "" {
		id := c.StartID
		c.startID.Store(&id)
	}
	return nil
}

// Setup validates and normalizes a Config built directly rather than via
// Load.
func (c *Config) Setup() error {
	return c.init()
}

// GetStartID returns the outstanding start id, or "" once it has been
// found (or was never set).
func (c *Config) GetStartID() string {
	if p := c.startID.Load(); p != nil {
		return *p
	}
	return ""
}

// SetStartID replaces the outstanding start id.
func (c *Config) SetStartID(id string) {
	if id == "" {
		c.startID.Store(nil)
		return
	}
	c.startID.Store(&id)
}

// ClearStartIDIfMatch atomically clears the start id if it is still
// outstanding and equal to id. It returns true for exactly one caller per
// outstanding id, no matter how many workers race on it.
func (c *Config) ClearStartIDIfMatch(id string) bool {
	p := c.startID.Load()
	if p == nil || *p != id {
		return false
	}
	return c.startID.CompareAndSwap(p, nil)
}
