package prefetch

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	requestkey "github.com/always-cache/prefetch-worker/pkg/request-key"

	"gopkg.in/yaml.v3"
)

var (
	ErrNotConfigured   = errors.New("worker is not configured")
	ErrUnregistered    = errors.New("worker is unregistered")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrInvalidSettings = errors.New("invalid settings")
)

// Settings is the process wide configuration of the cache engine.
type Settings struct {
	// Regular expression matched against the request URL.
	// Matching requests are handled by the engine whatever their method.
	ApiMatcher string `yaml:"apiMatcher" json:"apiMatcher"`
	// Lifetime in milliseconds of entries created for requests
	// without a prefetch marker. Zero means such requests are not cached.
	DefaultExpireTime int64 `yaml:"defaultExpireTime" json:"defaultExpireTime"`
	// Number of entries above which expired entries are swept.
	MaxCacheSize int `yaml:"maxCacheSize" json:"maxCacheSize"`
	// Handle requests with `Sec-Fetch-Site: cross-site`.
	AllowCrossOrigin bool `yaml:"allowCrossOrigin" json:"allowCrossOrigin"`
	// Activate right after install instead of waiting for Activate.
	AutoSkipWaiting bool `yaml:"autoSkipWaiting" json:"autoSkipWaiting"`
	// Log every engine decision.
	Debug bool `yaml:"debug" json:"debug"`
	// JSON paths removed from request bodies before deriving the cache key.
	IgnoreBodyFields []string `yaml:"ignoreBodyFields,omitempty" json:"ignoreBodyFields,omitempty"`
}

// DefaultSettings returns the settings used when no configuration arrives.
func DefaultSettings() Settings {
	return Settings{
		ApiMatcher:        "/api",
		DefaultExpireTime: 0,
		MaxCacheSize:      100,
		AllowCrossOrigin:  false,
		AutoSkipWaiting:   true,
		Debug:             false,
	}
}

// SettingsPatch is a partial Settings. Nil fields keep the current value.
type SettingsPatch struct {
	ApiMatcher        *string  `yaml:"apiMatcher,omitempty" json:"apiMatcher,omitempty"`
	DefaultExpireTime *int64   `yaml:"defaultExpireTime,omitempty" json:"defaultExpireTime,omitempty"`
	MaxCacheSize      *int     `yaml:"maxCacheSize,omitempty" json:"maxCacheSize,omitempty"`
	AllowCrossOrigin  *bool    `yaml:"allowCrossOrigin,omitempty" json:"allowCrossOrigin,omitempty"`
	AutoSkipWaiting   *bool    `yaml:"autoSkipWaiting,omitempty" json:"autoSkipWaiting,omitempty"`
	Debug             *bool    `yaml:"debug,omitempty" json:"debug,omitempty"`
	IgnoreBodyFields  []string `yaml:"ignoreBodyFields,omitempty" json:"ignoreBodyFields,omitempty"`
}

// Merge returns s with every field set in p replaced.
func (s Settings) Merge(p SettingsPatch) Settings {
	if p.ApiMatcher != nil {
		s.ApiMatcher = *p.ApiMatcher
	}
	if p.DefaultExpireTime != nil {
		s.DefaultExpireTime = *p.DefaultExpireTime
	}
	if p.MaxCacheSize != nil {
		s.MaxCacheSize = *p.MaxCacheSize
	}
	if p.AllowCrossOrigin != nil {
		s.AllowCrossOrigin = *p.AllowCrossOrigin
	}
	if p.AutoSkipWaiting != nil {
		s.AutoSkipWaiting = *p.AutoSkipWaiting
	}
	if p.Debug != nil {
		s.Debug = *p.Debug
	}
	if p.IgnoreBodyFields != nil {
		s.IgnoreBodyFields = append([]string(nil), p.IgnoreBodyFields...)
	}
	return s
}

// CompiledSettings is the validated, immutable form of Settings.
type CompiledSettings struct {
	settings      Settings
	apiMatcher    *regexp.Regexp
	defaultExpire time.Duration
	keyFunc       requestkey.Func
}

// Compile validates s. Errors wrap ErrInvalidSettings.
func (s Settings) Compile() (*CompiledSettings, error) {
	if s.ApiMatcher == "" {
		return nil, fmt.Errorf("%w: apiMatcher is empty", ErrInvalidSettings)
	}
	matcher, err := regexp.Compile(s.ApiMatcher)
	if err != nil {
		return nil, fmt.Errorf("%w: apiMatcher: %v", ErrInvalidSettings, err)
	}
	if s.DefaultExpireTime < 0 {
		return nil, fmt.Errorf("%w: defaultExpireTime %d is negative", ErrInvalidSettings, s.DefaultExpireTime)
	}
	if s.MaxCacheSize < 0 {
		return nil, fmt.Errorf("%w: maxCacheSize %d is negative", ErrInvalidSettings, s.MaxCacheSize)
	}
	for _, field := range s.IgnoreBodyFields {
		if field == "" {
			return nil, fmt.Errorf("%w: empty entry in ignoreBodyFields", ErrInvalidSettings)
		}
	}
	s.IgnoreBodyFields = append([]string(nil), s.IgnoreBodyFields...)
	return &CompiledSettings{
		settings:      s,
		apiMatcher:    matcher,
		defaultExpire: time.Duration(s.DefaultExpireTime) * time.Millisecond,
		keyFunc:       requestkey.StripFields(s.IgnoreBodyFields...),
	}, nil
}

// Settings returns a copy of the settings that were compiled.
func (c *CompiledSettings) Settings() Settings {
	s := c.settings
	s.IgnoreBodyFields = append([]string(nil), s.IgnoreBodyFields...)
	return s
}

func (c *CompiledSettings) MatchesApi(url string) bool {
	return c.apiMatcher.MatchString(url)
}

func (c *CompiledSettings) DefaultExpire() time.Duration {
	return c.defaultExpire
}

func (c *CompiledSettings) KeyFunc() requestkey.Func {
	return c.keyFunc
}

// LoadSettings reads a YAML or JSON settings file and merges it over
// DefaultSettings. The result is validated.
func LoadSettings(filename string) (Settings, error) {
	s := DefaultSettings()
	patch, err := LoadSettingsPatch(filename)
	if err != nil {
		return s, err
	}
	s = s.Merge(patch)
	if _, err := s.Compile(); err != nil {
		return s, err
	}
	return s, nil
}

// LoadSettingsPatch reads a YAML or JSON settings file without applying
// defaults. Only the fields present in the file are set.
func LoadSettingsPatch(filename string) (SettingsPatch, error) {
	var patch SettingsPatch
	b, err := os.ReadFile(filename)
	if err != nil {
		return patch, fmt.Errorf("reading settings: %w", err)
	}
	// YAML is a superset of JSON, so both are decoded the same way
	if err := yaml.Unmarshal(b, &patch); err != nil {
		return patch, fmt.Errorf("%w: parsing %s: %v", ErrInvalidSettings, filename, err)
	}
	return patch, nil
}
