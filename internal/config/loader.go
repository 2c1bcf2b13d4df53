package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":   {"gemini", "openai"},
	"speech": {"gemini", "openai"},
	"audio":  {"miniaudio"},
}

// envKeys maps provider names to the environment variables consulted by
// [ApplyEnv], in order of preference.
var envKeys = map[string][]string{
	"gemini": {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai": {"OPENAI_API_KEY"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, fills API
// keys from the process environment and validates the result. Unknown
// fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tunables. An empty session voice falls
// back to the live provider's voice.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = cfg.Live.Voice
	}
	if cfg.Session.PlaybackRate == 0 {
		cfg.Session.PlaybackRate = DefaultPlaybackRate
	}
	if cfg.Session.ErrorCloseDelay == 0 {
		cfg.Session.ErrorCloseDelay = DefaultErrorCloseDelay
	}
	if cfg.Session.LevelInterval == 0 {
		cfg.Session.LevelInterval = DefaultLevelInterval
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultAudioBackend
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
}

// ApplyEnv fills empty API keys of known providers from the environment,
// using lookup (normally [os.LookupEnv]).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	fill := func(e *ProviderEntry) {
		if e.APIKey != "" {
			return
		}
		for _, key := range envKeys[e.Name] {
			if v, ok := lookup(key); ok && v != "" {
				e.APIKey = v
				return
			}
		}
	}
	fill(&cfg.Live)
	fill(&cfg.Speech.Primary)
	for i := range cfg.Speech.Fallbacks {
		fill(&cfg.Speech.Fallbacks[i])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("live", cfg.Live.Name)
	validateProviderName("speech", cfg.Speech.Primary.Name)
	validateProviderName("audio", cfg.Audio.Backend)

	if !cfg.Live.IsSet() && !cfg.Speech.Primary.IsSet() {
		errs = append(errs, errors.New("neither live nor speech.primary is configured"))
	}
	if len(cfg.Speech.Fallbacks) > 0 && !cfg.Speech.Primary.IsSet() {
		errs = append(errs, errors.New("speech.fallbacks require speech.primary"))
	}
	seen := map[string]string{}
	if cfg.Speech.Primary.IsSet() {
		seen[cfg.Speech.Primary.Name] = "speech.primary"
	}
	for i, fb := range cfg.Speech.Fallbacks {
		prefix := fmt.Sprintf("speech.fallbacks[%d]", i)
		if !fb.IsSet() {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("speech", fb.Name)
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
	}

	if r := cfg.Session.PlaybackRate; r <= 0 || r > 4 {
		errs = append(errs, fmt.Errorf("session.playback_rate %.2f is out of range (0, 4]", r))
	}
	if cfg.Session.ErrorCloseDelay < 0 {
		errs = append(errs, fmt.Errorf("session.error_close_delay %s must not be negative", cfg.Session.ErrorCloseDelay))
	}
	if cfg.Session.LevelInterval < 0 {
		errs = append(errs, fmt.Errorf("session.level_interval %s must not be negative", cfg.Session.LevelInterval))
	}

	if n := cfg.Audio.FrameSize; n < 256 || n > 16384 || n&(n-1) != 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be a power of two in [256, 16384]", n))
	}
	for name, rate := range map[string]int{"audio.input_device_rate": cfg.Audio.InputDeviceRate, "audio.output_rate": cfg.Audio.OutputRate} {
		if rate != 0 && (rate < 8000 || rate > 192000) {
			errs = append(errs, fmt.Errorf("%s %d is out of range [8000, 192000]", name, rate))
		}
	}
	if cfg.Audio.CaptureBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_buffer %d must not be negative", cfg.Audio.CaptureBuffer))
	}

	if cfg.Live.IsSet() && cfg.Live.APIKey == "" {
		slog.Warn("live provider has no api key; set it in the config or the environment", "provider", cfg.Live.Name)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
