// Package config loads and validates the INI run configuration.
//
// The file format (sections and key names) is fixed: configurations written
// for the system this replaces keep working unchanged. New optional sections
// extend the format without touching the required ones.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Section and key names, fixed by the configuration format.
const (
	sectionSMTP     = "smtp-conf"
	sectionOther    = "other-conf"
	sectionSchedule = "schedule-conf"
	sectionHistory  = "history-conf"
	sectionEvents   = "events-conf"
)

// Error marks a configuration-class failure. The CLI maps it to an abnormal
// exit before any pipeline step runs.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Reason, e.Err)
	}
	return "configuration: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func newError(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Config is the fully validated run configuration.
type Config struct {
	SMTP     SMTPConfig
	Build    BuildConfig
	Schedule ScheduleConfig
	History  HistoryConfig
	Events   EventsConfig
}

// SMTPConfig addresses and authenticates the failure report.
type SMTPConfig struct {
	Host     string
	Port     int
	Sender   string
	Password string
	Receiver string
}

// BuildConfig locates the build script and the artifacts it produces.
type BuildConfig struct {
	// ScriptPath is the build script, relative to the working tree.
	ScriptPath string

	// ArtifactDir is the directory staged and committed after a build.
	ArtifactDir string

	// RepositoryDir is the git working tree the run operates in.
	RepositoryDir string
}

// ScheduleConfig drives daemon mode; single runs ignore it.
type ScheduleConfig struct {
	// Cron is a 5-field crontab expression. Mutually exclusive with Every.
	Cron string

	// Every is a fixed interval between runs. Mutually exclusive with Cron.
	Every time.Duration

	// HTTPAddr, when set, serves /healthz and /metrics in daemon mode.
	HTTPAddr string
}

// HistoryConfig controls the run history store.
type HistoryConfig struct {
	Enabled bool
	Path    string
}

// EventsConfig controls run report publishing. Publishing is enabled by the
// presence of NATSURL.
type EventsConfig struct {
	NATSURL string
	Subject string
}

// HasSchedule reports whether daemon mode has a trigger to run on.
func (c *Config) HasSchedule() bool {
	return c.Schedule.Cron != "" || c.Schedule.Every > 0
}

// Load reads, expands and validates the configuration file.
//
// Environment variables from the first readable .env file are loaded before
// the raw INI bytes pass through os.ExpandEnv, so values may reference
// ${VARS} (typically the SMTP password).
func Load(path string) (*Config, error) {
	loadEnvFile()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, newError("file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Reason: "reading " + path, Err: err}
	}

	expanded := os.ExpandEnv(string(data))

	file, err := ini.Load([]byte(expanded))
	if err != nil {
		return nil, &Error{Reason: "parsing " + path, Err: err}
	}

	cfg := &Config{
		Build:   BuildConfig{RepositoryDir: "."},
		History: HistoryConfig{Enabled: true, Path: DefaultHistoryPath},
		Events:  EventsConfig{Subject: DefaultEventSubject},
	}

	if err := cfg.fill(file); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults for the optional sections.
const (
	DefaultHistoryPath  = "logs/history.db"
	DefaultEventSubject = "autobuild.runs"
)

func (c *Config) fill(file *ini.File) error {
	// Required keys are checked for presence in a fixed order so the first
	// missing one is the one reported.
	required := []struct {
		section string
		key     string
		dst     *string
	}{
		{sectionSMTP, "smtp_ssl_host", &c.SMTP.Host},
		{sectionSMTP, "smtp_ssl_port", nil},
		{sectionSMTP, "sender", &c.SMTP.Sender},
		{sectionSMTP, "password", &c.SMTP.Password},
		{sectionSMTP, "receiver", &c.SMTP.Receiver},
		{sectionOther, "build_script_file", &c.Build.ScriptPath},
		{sectionOther, "binary_directory", &c.Build.ArtifactDir},
	}
	for _, req := range required {
		section := file.Section(req.section)
		if !section.HasKey(req.key) {
			return newError("required key %q missing from section [%s]", req.key, req.section)
		}
		if req.dst != nil {
			*req.dst = section.Key(req.key).String()
		}
	}

	port, err := file.Section(sectionSMTP).Key("smtp_ssl_port").Int()
	if err != nil {
		return &Error{Reason: "smtp_ssl_port must be an integer", Err: err}
	}
	c.SMTP.Port = port

	if other := file.Section(sectionOther); other.HasKey("repository_directory") {
		c.Build.RepositoryDir = other.Key("repository_directory").String()
	}

	if err := c.fillSchedule(file.Section(sectionSchedule)); err != nil {
		return err
	}
	if err := c.fillHistory(file.Section(sectionHistory)); err != nil {
		return err
	}

	events := file.Section(sectionEvents)
	c.Events.NATSURL = events.Key("nats_url").String()
	if events.HasKey("subject") {
		c.Events.Subject = events.Key("subject").String()
	}

	return nil
}

func (c *Config) fillSchedule(section *ini.Section) error {
	c.Schedule.Cron = section.Key("cron").String()
	c.Schedule.HTTPAddr = section.Key("http_addr").String()

	if section.HasKey("every") {
		every, err := time.ParseDuration(section.Key("every").String())
		if err != nil {
			return &Error{Reason: "every must be a duration (e.g. 30m)", Err: err}
		}
		if every <= 0 {
			return newError("every must be positive, got %s", every)
		}
		c.Schedule.Every = every
	}

	if c.Schedule.Cron != "" && c.Schedule.Every > 0 {
		return newError("cron and every are mutually exclusive in [%s]", sectionSchedule)
	}
	return nil
}

func (c *Config) fillHistory(section *ini.Section) error {
	if section.HasKey("enabled") {
		enabled, err := section.Key("enabled").Bool()
		if err != nil {
			return &Error{Reason: "history enabled must be a boolean", Err: err}
		}
		c.History.Enabled = enabled
	}
	if section.HasKey("path") {
		c.History.Path = section.Key("path").String()
	}
	return nil
}

// loadEnvFile loads KEY=VALUE pairs from the first readable .env file.
// Existing process environment variables are never overridden.
func loadEnvFile() {
	for _, name := range []string{".env", ".env.local"} {
		if err := godotenv.Load(name); err == nil {
			fmt.Fprintf(os.Stderr, "Loaded environment variables from %s\n", name)
			return
		}
	}
}
