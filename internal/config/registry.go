package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// secretKeys names Config Registry keys whose values are encrypted at rest
// and redacted on read-for-display.
var secretKeys = map[string]bool{
	"anthropic_api_key": true,
}

// Registry is the dynamic, subscribable layer over the static YAML Config.
// Reads are typed (Get/GetInt/GetBool); writes are atomic, including
// multi-key batches via SetMany. Subscribers are notified after a batch
// commits, once per changed key, with (key, old, new).
//
// The registry never writes back to the YAML file an operator edits by
// hand: it is an in-process live cache seeded from the static Config at
// startup, matching the Open Question resolution recorded in DESIGN.md.
type Registry struct {
	mu     sync.RWMutex
	values map[string]string
	box    *SecretBox
	logger *slog.Logger

	subMu       sync.Mutex
	subscribers []subscription
}

type subscription struct {
	keys map[string]bool
	fn   func(key string, old, new string)
}

// ChangeCallback receives the key, old value, and new value for each key
// that changed in a committed Set/SetMany call.
type ChangeCallback func(key, old, new string)

// NewRegistry seeds a Registry from the recognized options of a static
// Config. box may be nil if no secret-typed key will ever be set (secrets
// are encrypted lazily on first Set of a secret key, so a nil box is only
// an error once one is actually needed).
func NewRegistry(cfg *Config, box *SecretBox, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		values: make(map[string]string),
		box:    box,
		logger: logger,
	}
	if cfg != nil {
		r.values["host"] = cfg.Server.Host
		r.values["port"] = strconv.Itoa(cfg.Server.HTTPPort)
		r.values["auth_enabled"] = strconv.FormatBool(cfg.Auth.Enabled)
		r.values["jwt_access_ttl"] = cfg.Auth.JWTAccessTTL.String()
		r.values["jwt_refresh_ttl"] = cfg.Auth.JWTRefreshTTL.String()
		r.values["complexity_threshold"] = strconv.Itoa(cfg.LLM.Routing.ComplexityThreshold)
		r.values["max_research_tasks"] = strconv.Itoa(cfg.Tasks.MaxConcurrency)
	}
	return r
}

// Get returns a key's value as a string and whether it is set.
func (r *Registry) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.values[key]
	if !ok {
		return "", false
	}
	if secretKeys[key] && r.box != nil {
		decrypted, err := r.box.Decrypt(value)
		if err != nil {
			r.logger.Error("config registry: failed to decrypt secret", "key", key, "error", err)
			return "", false
		}
		return decrypted, true
	}
	return value, true
}

// GetForDisplay is like Get but redacts secret-typed keys.
func (r *Registry) GetForDisplay(key string) (string, bool) {
	value, ok := r.Get(key)
	if !ok {
		return "", false
	}
	if secretKeys[key] {
		return Redact(value), true
	}
	return value, true
}

// GetInt returns a key's value parsed as an int.
func (r *Registry) GetInt(key string) (int, bool) {
	value, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// GetBool returns a key's value parsed as a bool.
func (r *Registry) GetBool(key string) (bool, bool) {
	value, ok := r.Get(key)
	if !ok {
		return false, false
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, false
	}
	return parsed, true
}

// GetDuration returns a key's value parsed as a time.Duration.
func (r *Registry) GetDuration(key string) (time.Duration, bool) {
	value, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// Set atomically sets a single key and notifies subscribers.
func (r *Registry) Set(key, value string) error {
	return r.SetMany(map[string]string{key: value})
}

// SetMany atomically applies every key in updates, then notifies
// subscribers once per changed key. A secret-typed key is encrypted before
// it is stored; encrypting requires a non-nil SecretBox.
func (r *Registry) SetMany(updates map[string]string) error {
	type change struct{ key, old, new string }
	var changes []change

	r.mu.Lock()
	for key, value := range updates {
		old := r.values[key]
		stored := value
		if secretKeys[key] {
			if r.box == nil {
				r.mu.Unlock()
				return fmt.Errorf("config registry: cannot set secret key %q without a secret box", key)
			}
			encrypted, err := r.box.Encrypt(value)
			if err != nil {
				r.mu.Unlock()
				return fmt.Errorf("config registry: encrypt %q: %w", key, err)
			}
			stored = encrypted
		}
		r.values[key] = stored
		changes = append(changes, change{key: key, old: old, new: value})
	}
	r.mu.Unlock()

	for _, c := range changes {
		r.logger.Info("config registry: key changed", "key", c.key)
		r.notify(c.key, c.old, c.new)
	}
	return nil
}

// Subscribe registers fn to be called whenever any key in keys changes via
// Set/SetMany. Returns an unsubscribe function.
func (r *Registry) Subscribe(keys []string, fn ChangeCallback) func() {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	sub := subscription{keys: set, fn: fn}

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, sub)
	idx := len(r.subscribers) - 1
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if idx < len(r.subscribers) {
			r.subscribers[idx].fn = nil
		}
	}
}

func (r *Registry) notify(key, old, new string) {
	r.subMu.Lock()
	subs := make([]subscription, len(r.subscribers))
	copy(subs, r.subscribers)
	r.subMu.Unlock()

	for _, sub := range subs {
		if sub.fn == nil || !sub.keys[key] {
			continue
		}
		sub.fn(key, old, new)
	}
}

// IsModelRelated reports whether a key change should trigger a Model
// Router rebuild (see SPEC_FULL.md §4.2: "setting changes to model-related
// keys fire reconnection callbacks").
func IsModelRelated(key string) bool {
	switch key {
	case "ollama_base_url", "ollama_model", "anthropic_api_key", "claude_model", "complexity_threshold":
		return true
	default:
		return false
	}
}
