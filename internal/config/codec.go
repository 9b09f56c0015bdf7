package config

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format selects the registry file encoding
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from the file extension; TOML unless .yaml/.yml
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

const (
	sectionPairs   = "pairs"
	sectionOptions = "options"
)

var errUnknownOption = errors.New("unknown option")

// Decode parses registry data in the given format
func Decode(data []byte, format Format) (*File, error) {
	raw := make(map[string]any)
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	f := New("")
	f.Format = format
	for key, value := range raw {
		switch key {
		case sectionPairs:
			pairs, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s must be a table, got %T", sectionPairs, value)
			}
			for alias, pv := range pairs {
				entry, err := decodePair(pv)
				if err != nil {
					return nil, fmt.Errorf("pair %q: %w", alias, err)
				}
				f.Pairs[alias] = entry
			}
		case sectionOptions:
			opts, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s must be a table, got %T", sectionOptions, value)
			}
			for k, v := range opts {
				err := applyOption(&f.Options, k, v)
				switch {
				case errors.Is(err, errUnknownOption):
					f.ExtraOptions[k] = v
				case err != nil:
					return nil, fmt.Errorf("options.%s: %w", k, err)
				default:
					f.explicit[k] = true
				}
			}
		default:
			f.Extra[key] = value
		}
	}
	return f, nil
}

func decodePair(v any) (PairEntry, error) {
	switch val := v.(type) {
	case string:
		// the first comma separates; later ones belong to the local path
		mainTree, localTree, ok := strings.Cut(val, ",")
		mainTree, localTree = strings.TrimSpace(mainTree), strings.TrimSpace(localTree)
		if !ok || mainTree == "" || localTree == "" {
			return PairEntry{}, fmt.Errorf(`expected "main, local", got %q`, val)
		}
		return PairEntry{Main: mainTree, Local: localTree}, nil
	case []any:
		if len(val) != 2 {
			return PairEntry{}, fmt.Errorf("expected two locations, got %d", len(val))
		}
		mainTree, err := asString(val[0])
		if err != nil {
			return PairEntry{}, err
		}
		localTree, err := asString(val[1])
		if err != nil {
			return PairEntry{}, err
		}
		return PairEntry{Main: mainTree, Local: localTree}, nil
	case map[string]any:
		var e PairEntry
		for k, fv := range val {
			var err error
			switch k {
			case "main":
				e.Main, err = asString(fv)
			case "local":
				e.Local, err = asString(fv)
			case "branch":
				e.Branch, err = asString(fv)
			case "broken":
				e.Broken, err = asBool(fv)
			case KeyAutoSync:
				e.Overrides.AutoSync, err = asBoolPtr(fv)
			case KeyPushLocal:
				e.Overrides.PushLocal, err = asBoolPtr(fv)
			case KeySyncOnCommit:
				e.Overrides.SyncOnCommit, err = asBoolPtr(fv)
			case KeyDryRunDefault:
				e.Overrides.DryRunDefault, err = asBoolPtr(fv)
			case KeyDefaultBranch:
				var s string
				s, err = asString(fv)
				e.Overrides.DefaultBranch = &s
			case KeyLocalIgnorePatterns:
				e.Overrides.LocalIgnorePatterns, err = asStringList(fv)
			default:
				if e.Extra == nil {
					e.Extra = make(map[string]any)
				}
				e.Extra[k] = fv
			}
			if err != nil {
				return PairEntry{}, fmt.Errorf("%s: %w", k, err)
			}
		}
		return e, nil
	default:
		return PairEntry{}, fmt.Errorf("unsupported pair value of type %T", v)
	}
}

// applyOption stores a recognized option, converting from whatever the codec produced
func applyOption(o *Options, key string, v any) error {
	var err error
	switch key {
	case KeyLocalSuffix:
		o.LocalSuffix, err = asString(v)
	case KeyAutoSync:
		o.AutoSync, err = asBool(v)
	case KeyPushLocal:
		o.PushLocal, err = asBool(v)
	case KeyDefaultBranch:
		o.DefaultBranch, err = asString(v)
	case KeySyncOnCommit:
		o.SyncOnCommit, err = asBool(v)
	case KeyVerbose:
		o.Verbose, err = asBool(v)
	case KeyDryRunDefault:
		o.DryRunDefault, err = asBool(v)
	case KeyLocalIgnoreFile:
		o.LocalIgnoreFile, err = asString(v)
	case KeyLocalIgnorePatterns:
		o.LocalIgnorePatterns, err = asStringList(v)
	case KeyLockTimeout:
		o.LockTimeout, err = asDuration(v)
	case KeyWorkers:
		o.Workers, err = asInt(v)
	default:
		return errUnknownOption
	}
	return err
}

func setOption(o *Options, key, value string) error {
	return applyOption(o, key, value)
}

// Encode renders the registry file in its format
func Encode(f *File) ([]byte, error) {
	out := cloneMap(f.Extra)

	pairs := make(map[string]any, len(f.Pairs))
	for alias, e := range f.Pairs {
		if e.compact() {
			pairs[alias] = e.Main + ", " + e.Local
			continue
		}
		pairs[alias] = encodePair(e)
	}
	if len(pairs) > 0 {
		out[sectionPairs] = pairs
	}

	opts := cloneMap(f.ExtraOptions)
	for key := range f.explicit {
		if v, ok := optionValue(f.Options, key); ok {
			opts[key] = v
		}
	}
	if len(opts) > 0 {
		out[sectionOptions] = opts
	}

	switch f.Format {
	case FormatYAML:
		return yaml.Marshal(out)
	default:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(out); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

func encodePair(e PairEntry) map[string]any {
	m := cloneMap(e.Extra)
	m["main"] = e.Main
	m["local"] = e.Local
	if e.Branch != "" {
		m["branch"] = e.Branch
	}
	if e.Broken {
		m["broken"] = true
	}
	ov := e.Overrides
	if ov.AutoSync != nil {
		m[KeyAutoSync] = *ov.AutoSync
	}
	if ov.PushLocal != nil {
		m[KeyPushLocal] = *ov.PushLocal
	}
	if ov.SyncOnCommit != nil {
		m[KeySyncOnCommit] = *ov.SyncOnCommit
	}
	if ov.DryRunDefault != nil {
		m[KeyDryRunDefault] = *ov.DryRunDefault
	}
	if ov.DefaultBranch != nil {
		m[KeyDefaultBranch] = *ov.DefaultBranch
	}
	if ov.LocalIgnorePatterns != nil {
		m[KeyLocalIgnorePatterns] = ov.LocalIgnorePatterns
	}
	return m
}

func optionValue(o Options, key string) (any, bool) {
	switch key {
	case KeyLocalSuffix:
		return o.LocalSuffix, true
	case KeyAutoSync:
		return o.AutoSync, true
	case KeyPushLocal:
		return o.PushLocal, true
	case KeyDefaultBranch:
		return o.DefaultBranch, true
	case KeySyncOnCommit:
		return o.SyncOnCommit, true
	case KeyVerbose:
		return o.Verbose, true
	case KeyDryRunDefault:
		return o.DryRunDefault, true
	case KeyLocalIgnoreFile:
		return o.LocalIgnoreFile, true
	case KeyLocalIgnorePatterns:
		return o.LocalIgnorePatterns, true
	case KeyLockTimeout:
		return o.LockTimeout.String(), true
	case KeyWorkers:
		return o.Workers, true
	}
	return nil, false
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", v)
	}
	return s, nil
}

func asBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0", "":
			return false, nil
		}
		return false, fmt.Errorf("invalid boolean %q", val)
	default:
		return false, fmt.Errorf("expected a boolean, got %T", v)
	}
}

func asBoolPtr(v any) (*bool, error) {
	b, err := asBool(v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func asInt(v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		return int(val), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(val))
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

// asDuration accepts Go duration strings or a number of seconds
func asDuration(v any) (time.Duration, error) {
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, nil
		}
	}
	n, err := asInt(v)
	if err != nil {
		return 0, fmt.Errorf("expected a duration: %w", err)
	}
	return time.Duration(n) * time.Second, nil
}

// asStringList accepts a list of strings or one comma-separated string
func asStringList(v any) ([]string, error) {
	switch val := v.(type) {
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, err := asString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		var out []string
		for _, part := range strings.Split(val, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of strings, got %T", v)
	}
}
