package profiles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/airframesio/model-diff/cmd/warehouse"
	"gopkg.in/yaml.v3"
)

// FileName is the profiles file dbt reads from its profiles directory
const FileName = "profiles.yml"

// EnvProfile selects a profile when none is given explicitly
const EnvProfile = "DBT_PROFILE"

var (
	ErrProfilesNotFound    = errors.New("profiles.yml not found")
	ErrProfilesInvalid     = errors.New("profiles.yml is empty or invalid")
	ErrProfileAmbiguous    = errors.New("multiple profiles found; provide --profile")
	ErrProfileNotFound     = errors.New("profile not found")
	ErrTargetNotFound      = errors.New("target not found")
	ErrUnsupportedType     = errors.New("unsupported profile type; expected postgres or redshift")
	ErrMissingField        = errors.New("required connection field missing")
	ErrEnvVarNotSet        = errors.New("environment variable not set")
	ErrUnsupportedAuthMode = errors.New("unsupported authentication method")
)

// envVarPattern matches {{ env_var('NAME') }} and {{ env_var('NAME', 'default') }}, optionally
// piped through a type filter such as | int
var envVarPattern = regexp.MustCompile(
	`\{\{\s*env_var\(\s*['"]([^'"]+)['"]\s*(?:,\s*['"]([^'"]*)['"]\s*)?\)\s*(?:\|\s*(?:int|string|as_number|as_text)\s*)?\}\}`)

var defaultPorts = map[string]int{
	warehouse.DialectPostgres: 5432,
	warehouse.DialectRedshift: 5439,
}

type profileFile map[string]profile

type profile struct {
	Target  string            `yaml:"target"`
	Outputs map[string]output `yaml:"outputs"`
}

type output struct {
	Type     string `yaml:"type"`
	Method   string `yaml:"method"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Pass     string `yaml:"pass"`
	DBName   string `yaml:"dbname"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	SSLMode  string `yaml:"sslmode"`
}

// Target is a resolved dbt output
type Target struct {
	Profile  string
	Name     string
	Type     string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Schema   string
	SSLMode  string
}

// DatabaseConfig converts the target into warehouse connection settings
func (t Target) DatabaseConfig() warehouse.DatabaseConfig {
	return warehouse.DatabaseConfig{
		Type:     t.Type,
		Host:     t.Host,
		Port:     t.Port,
		User:     t.User,
		Password: t.Password,
		Name:     t.Database,
		SSLMode:  t.SSLMode,
	}
}

// Load reads profiles.yml from dir and resolves profile and target. An empty profile falls back
// to $DBT_PROFILE, then to the only profile in the file; an empty target uses the profile's
// default target.
func Load(dir, profileName, targetName string) (Target, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Target{}, fmt.Errorf("%w: %s", ErrProfilesNotFound, path)
		}
		return Target{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data, profileName, targetName, os.LookupEnv)
}

// Parse resolves a target from raw profiles.yml content, expanding env_var templates via lookup
func Parse(data []byte, profileName, targetName string, lookup func(string) (string, bool)) (Target, error) {
	rendered, err := renderEnvVars(string(data), lookup)
	if err != nil {
		return Target{}, err
	}

	var file profileFile
	if err := yaml.Unmarshal([]byte(rendered), &file); err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrProfilesInvalid, err)
	}
	delete(file, "config")
	if len(file) == 0 {
		return Target{}, ErrProfilesInvalid
	}

	if profileName == "" {
		if env, ok := lookup(EnvProfile); ok && env != "" {
			profileName = env
		} else if len(file) == 1 {
			for name := range file {
				profileName = name
			}
		} else {
			return Target{}, fmt.Errorf("%w: %s", ErrProfileAmbiguous, strings.Join(profileNames(file), ", "))
		}
	}

	prof, ok := file[profileName]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrProfileNotFound, profileName)
	}
	if len(prof.Outputs) == 0 {
		return Target{}, fmt.Errorf("%w: profile %s has no outputs", ErrTargetNotFound, profileName)
	}

	if targetName == "" {
		targetName = prof.Target
	}
	if targetName == "" {
		return Target{}, fmt.Errorf("%w: no target given and profile %s has no default target", ErrTargetNotFound, profileName)
	}
	out, ok := prof.Outputs[targetName]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s in profile %s", ErrTargetNotFound, targetName, profileName)
	}

	return out.resolve(profileName, targetName)
}

func (o output) resolve(profileName, targetName string) (Target, error) {
	kind := strings.ToLower(strings.TrimSpace(o.Type))
	defaultPort, ok := defaultPorts[kind]
	if !ok {
		return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedType, o.Type)
	}
	if o.Method != "" && o.Method != "database" {
		return Target{}, fmt.Errorf("%w: %s", ErrUnsupportedAuthMode, o.Method)
	}

	t := Target{
		Profile:  profileName,
		Name:     targetName,
		Type:     kind,
		Host:     o.Host,
		Port:     defaultPort,
		User:     o.User,
		Password: firstNonEmpty(o.Password, o.Pass),
		Database: firstNonEmpty(o.DBName, o.Database),
		Schema:   o.Schema,
		SSLMode:  o.SSLMode,
	}

	if p := strings.TrimSpace(o.Port); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Target{}, fmt.Errorf("invalid port %q in target %s: %w", o.Port, targetName, err)
		}
		t.Port = port
	}

	for field, value := range map[string]string{"host": t.Host, "user": t.User, "dbname": t.Database} {
		if value == "" {
			return Target{}, fmt.Errorf("%w: %s in target %s", ErrMissingField, field, targetName)
		}
	}
	return t, nil
}

// renderEnvVars replaces dbt env_var templates before the YAML is parsed
func renderEnvVars(input string, lookup func(string) (string, bool)) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if value, ok := lookup(name); ok {
			return value
		}
		// the default group is only non-empty when present, so test the raw match for a comma
		if strings.Contains(match, ",") {
			return groups[2]
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrEnvVarNotSet, strings.Join(missing, ", "))
	}
	return out, nil
}

func profileNames(file profileFile) []string {
	names := make([]string, 0, len(file))
	for name := range file {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
