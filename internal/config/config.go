package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/ddworktree/internal/scope"
)

// Recognized option keys
const (
	KeyLocalSuffix         = "local_suffix"
	KeyAutoSync            = "auto_sync"
	KeyPushLocal           = "push_local"
	KeyDefaultBranch       = "default_branch"
	KeySyncOnCommit        = "sync_on_commit"
	KeyVerbose             = "verbose"
	KeyDryRunDefault       = "dry_run_default"
	KeyLocalIgnoreFile     = "local_ignore_file"
	KeyLocalIgnorePatterns = "local_ignore_patterns"
	KeyLockTimeout         = "lock_timeout"
	KeyWorkers             = "workers"
)

// Defaults
const (
	DefaultLocalSuffix = "-local"
	DefaultLockTimeout = 2 * time.Second
	DefaultWorkers     = 4
)

// Descriptions documents every recognized option for `config --list`
var Descriptions = map[string]string{
	KeyLocalSuffix:         "suffix that marks the local tree of a pair",
	KeyAutoSync:            "resolve drift and commit automatically during sync",
	KeyPushLocal:           "the local tree's branch is pushed too (doctor checks it has one)",
	KeyDefaultBranch:       "branch bound to newly created pairs",
	KeySyncOnCommit:        "sync a pair whenever either tree commits (watch)",
	KeyVerbose:             "log at debug level",
	KeyDryRunDefault:       "preview sync plans unless --dry-run=false",
	KeyLocalIgnoreFile:     "name of the local-only ignore file",
	KeyLocalIgnorePatterns: "patterns used when generating the local ignore file",
	KeyLockTimeout:         "how long to wait for a busy pair",
	KeyWorkers:             "concurrent pairs for read-only commands",
}

// Options are the process-wide settings from the [options] table
type Options struct {
	LocalSuffix         string
	AutoSync            bool
	PushLocal           bool
	DefaultBranch       string
	SyncOnCommit        bool
	Verbose             bool
	DryRunDefault       bool
	LocalIgnoreFile     string
	LocalIgnorePatterns []string
	LockTimeout         time.Duration
	Workers             int
}

// DefaultOptions returns the documented defaults
func DefaultOptions() Options {
	return Options{
		LocalSuffix:         DefaultLocalSuffix,
		LocalIgnoreFile:     scope.DefaultLocalFile,
		LocalIgnorePatterns: slices.Clone(scope.DefaultLocalPatterns),
		LockTimeout:         DefaultLockTimeout,
		Workers:             DefaultWorkers,
	}
}

// Overrides are per-pair option values; nil means inherit
type Overrides struct {
	AutoSync            *bool
	PushLocal           *bool
	DefaultBranch       *string
	SyncOnCommit        *bool
	DryRunDefault       *bool
	LocalIgnorePatterns []string
}

// IsZero reports whether no override is set
func (o Overrides) IsZero() bool {
	return o.AutoSync == nil && o.PushLocal == nil && o.DefaultBranch == nil &&
		o.SyncOnCommit == nil && o.DryRunDefault == nil && o.LocalIgnorePatterns == nil
}

// Merge returns the effective options for a pair
func (o Options) Merge(ov Overrides) Options {
	out := o
	if ov.AutoSync != nil {
		out.AutoSync = *ov.AutoSync
	}
	if ov.PushLocal != nil {
		out.PushLocal = *ov.PushLocal
	}
	if ov.DefaultBranch != nil {
		out.DefaultBranch = *ov.DefaultBranch
	}
	if ov.SyncOnCommit != nil {
		out.SyncOnCommit = *ov.SyncOnCommit
	}
	if ov.DryRunDefault != nil {
		out.DryRunDefault = *ov.DryRunDefault
	}
	if ov.LocalIgnorePatterns != nil {
		out.LocalIgnorePatterns = slices.Clone(ov.LocalIgnorePatterns)
	}
	return out
}

// PairEntry is one pair as written in the registry file
type PairEntry struct {
	Main      string
	Local     string
	Branch    string
	Broken    bool
	Overrides Overrides
	// Extra holds unrecognized keys of a table-form entry
	Extra map[string]any
}

// compact reports whether the entry fits the "main, local" string form
func (e PairEntry) compact() bool {
	return e.Branch == "" && !e.Broken && e.Overrides.IsZero() && len(e.Extra) == 0
}

// File is the decoded registry file
type File struct {
	Path    string
	Format  Format
	Pairs   map[string]PairEntry
	Options Options
	// ExtraOptions preserves unknown keys of the options table
	ExtraOptions map[string]any
	// Extra preserves unknown top-level keys
	Extra map[string]any
	// explicit records which recognized options appeared in the file or were set
	explicit map[string]bool
}

// New returns an empty registry file with defaults for path
func New(path string) *File {
	return &File{
		Path:         path,
		Format:       FormatFor(path),
		Pairs:        make(map[string]PairEntry),
		Options:      DefaultOptions(),
		ExtraOptions: make(map[string]any),
		Extra:        make(map[string]any),
		explicit:     make(map[string]bool),
	}
}

// Aliases returns pair aliases in sorted order
func (f *File) Aliases() []string {
	aliases := make([]string, 0, len(f.Pairs))
	for a := range f.Pairs {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return aliases
}

// Clone returns a deep enough copy for read-modify-write
func (f *File) Clone() *File {
	c := *f
	c.Pairs = make(map[string]PairEntry, len(f.Pairs))
	for k, v := range f.Pairs {
		c.Pairs[k] = v
	}
	c.Options.LocalIgnorePatterns = slices.Clone(f.Options.LocalIgnorePatterns)
	c.ExtraOptions = cloneMap(f.ExtraOptions)
	c.Extra = cloneMap(f.Extra)
	c.explicit = make(map[string]bool, len(f.explicit))
	for k, v := range f.explicit {
		c.explicit[k] = v
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ResolvePath expands environment variables in a stored tree location and
// anchors relative locations at the registry file's directory.
func (f *File) ResolvePath(p string) string {
	p = os.ExpandEnv(p)
	if p == "" || filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(filepath.Dir(f.Path), p)
}

// applyDefaults fills in zero-value fields with documented defaults
func (f *File) applyDefaults() {
	d := DefaultOptions()
	if f.Options.LocalSuffix == "" {
		f.Options.LocalSuffix = d.LocalSuffix
	}
	if f.Options.LocalIgnoreFile == "" {
		f.Options.LocalIgnoreFile = d.LocalIgnoreFile
	}
	if f.Options.LocalIgnorePatterns == nil {
		f.Options.LocalIgnorePatterns = d.LocalIgnorePatterns
	}
	if f.Options.LockTimeout == 0 {
		f.Options.LockTimeout = d.LockTimeout
	}
	if f.Options.Workers == 0 {
		f.Options.Workers = d.Workers
	}
}

// Validate checks the registry file for errors
func (f *File) Validate() error {
	if strings.ContainsAny(f.Options.LocalSuffix, `/\`) {
		return fmt.Errorf("%s must not contain path separators: %q", KeyLocalSuffix, f.Options.LocalSuffix)
	}
	if strings.ContainsAny(f.Options.LocalIgnoreFile, `/\`) {
		return fmt.Errorf("%s must be a file name at the tree root: %q", KeyLocalIgnoreFile, f.Options.LocalIgnoreFile)
	}
	if f.Options.LockTimeout < 0 {
		return fmt.Errorf("%s must not be negative", KeyLockTimeout)
	}
	if f.Options.Workers < 1 {
		return fmt.Errorf("%s must be at least 1", KeyWorkers)
	}

	for _, alias := range f.Aliases() {
		e := f.Pairs[alias]
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("pair alias must not be empty")
		}
		if e.Main == "" || e.Local == "" {
			return fmt.Errorf("pair %q: both main and local locations are required", alias)
		}
		if e.Main == e.Local {
			return fmt.Errorf("pair %q: main and local must differ", alias)
		}
	}
	return nil
}

// Get renders a recognized or preserved option as text
func (f *File) Get(key string) (string, bool) {
	o := f.Options
	switch key {
	case KeyLocalSuffix:
		return o.LocalSuffix, true
	case KeyAutoSync:
		return strconv.FormatBool(o.AutoSync), true
	case KeyPushLocal:
		return strconv.FormatBool(o.PushLocal), true
	case KeyDefaultBranch:
		return o.DefaultBranch, true
	case KeySyncOnCommit:
		return strconv.FormatBool(o.SyncOnCommit), true
	case KeyVerbose:
		return strconv.FormatBool(o.Verbose), true
	case KeyDryRunDefault:
		return strconv.FormatBool(o.DryRunDefault), true
	case KeyLocalIgnoreFile:
		return o.LocalIgnoreFile, true
	case KeyLocalIgnorePatterns:
		return strings.Join(o.LocalIgnorePatterns, ", "), true
	case KeyLockTimeout:
		return o.LockTimeout.String(), true
	case KeyWorkers:
		return strconv.Itoa(o.Workers), true
	}
	if v, ok := f.ExtraOptions[key]; ok {
		return fmt.Sprint(v), true
	}
	return "", false
}

// Set parses value for key. Unknown keys are kept with the value converted
// to a bool or integer when it parses as one.
func (f *File) Set(key, value string) error {
	if err := setOption(&f.Options, key, value); err != nil {
		if errors.Is(err, errUnknownOption) {
			f.ExtraOptions[key] = convertValue(value)
			return nil
		}
		return err
	}
	f.explicit[key] = true
	return nil
}

// convertValue turns "true"/"false" and integers into typed values
func convertValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil && (strings.EqualFold(s, "true") || strings.EqualFold(s, "false")) {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
