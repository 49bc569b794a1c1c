// Package config loads the modmail service configuration from a YAML file,
// an optional .env file and MODMAIL_* environment overrides.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/modmail/internal/modmail"
	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://modmail.dev/schemas/config.json"

type StorageConfig struct {
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"data_dir"`
	LogStoreDSN   string `yaml:"log_store_dsn"`
	StateDSN      string `yaml:"state_dsn"`
	ProductionDSN string `yaml:"production_dsn"`
}

type ServerConfig struct {
	Addr               string    `yaml:"addr"`
	JWTSecret          string    `yaml:"jwt_secret"`
	InternalHMACSecret string    `yaml:"internal_hmac_secret"`
	InternalMaxSkew    Duration  `yaml:"internal_max_skew"`
	RateLimitMax       int       `yaml:"rate_limit_max"`
	RateLimitWindow    Duration  `yaml:"rate_limit_window"`
	MaxBodyBytes       SizeBytes `yaml:"max_body_bytes"`
}

type PlatformConfig struct {
	BaseURL           string  `yaml:"base_url"`
	Token             string  `yaml:"token"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxRetries        int     `yaml:"max_retries"`
}

type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

type DispatcherConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type ReconcileConfig struct {
	Cron       string `yaml:"cron"`
	SkipRepair bool   `yaml:"skip_repair"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"`
}

// Config mirrors the YAML file. Engine knobs are optional: an unset field
// keeps the engine default, which is why the booleans are pointers.
type Config struct {
	GuildID            string `yaml:"guild_id"`
	ModmailGuildID     string `yaml:"modmail_guild_id"`
	MainCategoryID     string `yaml:"main_category_id"`
	FallbackCategoryID string `yaml:"fallback_category_id"`
	LogChannelID       string `yaml:"log_channel_id"`
	LogURL             string `yaml:"log_url"`
	LogURLPrefix       string `yaml:"log_url_prefix"`

	MainColor      *Color `yaml:"main_color"`
	ModColor       *Color `yaml:"mod_color"`
	RecipientColor *Color `yaml:"recipient_color"`
	ErrorColor     *Color `yaml:"error_color"`
	ShowTimestamp  *bool  `yaml:"show_timestamp"`

	Mention              string `yaml:"mention"`
	ModTag               string `yaml:"mod_tag"`
	AnonUsername         string `yaml:"anon_username"`
	AnonAvatarURL        string `yaml:"anon_avatar_url"`
	AnonTag              string `yaml:"anon_tag"`
	ChannelNamePrefix    string `yaml:"channel_name_prefix"`
	UseUserIDChannelName *bool  `yaml:"use_user_id_channel_name"`

	ThreadAutoClose                  *Duration `yaml:"thread_auto_close"`
	ThreadAutoCloseSilently          *bool     `yaml:"thread_auto_close_silently"`
	ThreadAutoCloseResponse          string    `yaml:"thread_auto_close_response"`
	ThreadCloseTitle                 string    `yaml:"thread_close_title"`
	ThreadCloseResponse              string    `yaml:"thread_close_response"`
	ThreadSelfCloseResponse          string    `yaml:"thread_self_close_response"`
	ThreadCloseFooter                string    `yaml:"thread_close_footer"`
	ThreadCreationTitle              string    `yaml:"thread_creation_title"`
	ThreadCreationResponse           string    `yaml:"thread_creation_response"`
	ThreadCreationFooter             string    `yaml:"thread_creation_footer"`
	ThreadSelfClosableCreationFooter string    `yaml:"thread_self_closable_creation_footer"`
	ThreadCooldown                   *Duration `yaml:"thread_cooldown"`
	CooldownThreadTitle              string    `yaml:"cooldown_thread_title"`
	CooldownThreadResponse           string    `yaml:"cooldown_thread_response"`

	ConfirmThreadCreation       *bool     `yaml:"confirm_thread_creation"`
	ConfirmThreadCreationTitle  string    `yaml:"confirm_thread_creation_title"`
	ConfirmThreadResponse       string    `yaml:"confirm_thread_response"`
	ConfirmThreadCreationAccept string    `yaml:"confirm_thread_creation_accept"`
	ConfirmThreadCreationDeny   string    `yaml:"confirm_thread_creation_deny"`
	ConfirmTimeout              *Duration `yaml:"confirm_timeout"`
	ThreadCancelled             string    `yaml:"thread_cancelled"`

	RecipientThreadClose *bool  `yaml:"recipient_thread_close"`
	CloseEmoji           string `yaml:"close_emoji"`
	ThreadShowAccountAge *bool  `yaml:"thread_show_account_age"`
	ThreadShowJoinAge    *bool  `yaml:"thread_show_join_age"`
	CloseOnLeave         *bool  `yaml:"close_on_leave"`
	CloseOnLeaveReason   string `yaml:"close_on_leave_reason"`
	TransferReactions    *bool  `yaml:"transfer_reactions"`
	UserTyping           *bool  `yaml:"user_typing"`
	ModTyping            *bool  `yaml:"mod_typing"`

	DMDisabled                    string `yaml:"dm_disabled"`
	DisabledNewThreadTitle        string `yaml:"disabled_new_thread_title"`
	DisabledNewThreadResponse     string `yaml:"disabled_new_thread_response"`
	DisabledNewThreadFooter       string `yaml:"disabled_new_thread_footer"`
	DisabledCurrentThreadTitle    string `yaml:"disabled_current_thread_title"`
	DisabledCurrentThreadResponse string `yaml:"disabled_current_thread_response"`
	DisabledCurrentThreadFooter   string `yaml:"disabled_current_thread_footer"`
	SentEmoji                     string `yaml:"sent_emoji"`
	BlockedEmoji                  string `yaml:"blocked_emoji"`

	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Platform   PlatformConfig   `yaml:"platform"`
	Events     EventsConfig     `yaml:"events"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Log        LogConfig        `yaml:"log"`
}

// Default is the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{DataDir: ".modmail"},
		Server: ServerConfig{
			Addr:            ":8080",
			InternalMaxSkew: Duration(5 * time.Minute),
			RateLimitWindow: Duration(time.Minute),
		},
		Events:     EventsConfig{Exchange: "modmail.events"},
		Dispatcher: DispatcherConfig{Workers: 8, QueueSize: 256},
		Reconcile:  ReconcileConfig{Cron: "*/15 * * * *"},
	}
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("load config schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile config schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Validate checks raw YAML against the embedded schema.
func Validate(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		return nil
	}
	// Round-trip through JSON so numbers and maps take the shapes the
	// validator expects.
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	sch, err := schema()
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Parse validates and decodes raw YAML on top of the defaults.
func Parse(raw []byte) (*Config, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	cfg := Default()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Load reads .env next to the config file (if any), the YAML file (if it
// exists) and then applies MODMAIL_* overrides.
func Load(path string) (*Config, error) {
	envFile := ".env"
	if path != "" {
		envFile = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if cfg, err = Parse(raw); err != nil {
				return nil, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	str("MODMAIL_GUILD_ID", &c.GuildID)
	str("MODMAIL_MODMAIL_GUILD_ID", &c.ModmailGuildID)
	str("MODMAIL_MAIN_CATEGORY_ID", &c.MainCategoryID)
	str("MODMAIL_LOG_CHANNEL_ID", &c.LogChannelID)
	str("MODMAIL_LOG_URL", &c.LogURL)
	str("MODMAIL_DM_DISABLED", &c.DMDisabled)
	str("MODMAIL_BACKEND_PROFILE", &c.Storage.Profile)
	str("MODMAIL_DATA_DIR", &c.Storage.DataDir)
	str("MODMAIL_LOG_STORE_DSN", &c.Storage.LogStoreDSN)
	str("MODMAIL_STATE_DSN", &c.Storage.StateDSN)
	str("MODMAIL_PRODUCTION_DSN", &c.Storage.ProductionDSN)
	str("MODMAIL_ADDR", &c.Server.Addr)
	str("MODMAIL_JWT_SECRET", &c.Server.JWTSecret)
	str("MODMAIL_INTERNAL_HMAC_SECRET", &c.Server.InternalHMACSecret)
	str("MODMAIL_PLATFORM_URL", &c.Platform.BaseURL)
	str("MODMAIL_PLATFORM_TOKEN", &c.Platform.Token)
	str("MODMAIL_AMQP_URL", &c.Events.AMQPURL)
	str("MODMAIL_AMQP_EXCHANGE", &c.Events.Exchange)
	str("MODMAIL_RECONCILE_CRON", &c.Reconcile.Cron)
	str("MODMAIL_LOG_LEVEL", &c.Log.Level)
	str("MODMAIL_LOG_SINK", &c.Log.Sink)

	var errs []error
	intVar := func(name string, dst *int) {
		raw := strings.TrimSpace(getenv(name))
		if raw == "" {
			return
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s=%q", name, raw))
			return
		}
		*dst = v
	}
	durationVar := func(name string, dst *Duration) {
		raw := strings.TrimSpace(getenv(name))
		if raw == "" {
			return
		}
		v, err := parseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s=%q", name, raw))
			return
		}
		*dst = Duration(v)
	}
	intVar("MODMAIL_RATE_LIMIT_MAX", &c.Server.RateLimitMax)
	intVar("MODMAIL_DISPATCH_WORKERS", &c.Dispatcher.Workers)
	intVar("MODMAIL_DISPATCH_QUEUE_SIZE", &c.Dispatcher.QueueSize)
	durationVar("MODMAIL_RATE_LIMIT_WINDOW", &c.Server.RateLimitWindow)
	durationVar("MODMAIL_INTERNAL_MAX_SKEW", &c.Server.InternalMaxSkew)
	if raw := strings.TrimSpace(getenv("MODMAIL_THREAD_AUTO_CLOSE")); raw != "" {
		if v, err := parseDuration(raw); err != nil {
			errs = append(errs, fmt.Errorf("invalid MODMAIL_THREAD_AUTO_CLOSE=%q", raw))
		} else {
			d := Duration(v)
			c.ThreadAutoClose = &d
		}
	}
	if raw := strings.TrimSpace(getenv("MODMAIL_MAX_BODY_BYTES")); raw != "" {
		v, err := parseSize(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid MODMAIL_MAX_BODY_BYTES=%q", raw))
		} else {
			c.Server.MaxBodyBytes = SizeBytes(v)
		}
	}
	return errors.Join(errs...)
}

// StorageDSNs resolves the log store and runtime state DSNs from explicit
// settings and the storage profile.
func (c *Config) StorageDSNs() (logStoreDSN, stateDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = ".modmail"
	}
	switch profile {
	case "", "custom":
	case "memory", "inmemory":
		logStoreDSN, stateDSN = "memory://", "memory://"
	case "durable-local", "local-durable":
		logStoreDSN = "memory://"
		stateDSN = "pebble://" + filepath.Join(dataDir, "state")
	case "production", "prod":
		if c.Storage.ProductionDSN == "" {
			return "", "", fmt.Errorf("storage.production_dsn is required when storage.profile=%s", profile)
		}
		logStoreDSN, stateDSN = c.Storage.ProductionDSN, c.Storage.ProductionDSN
	default:
		return "", "", fmt.Errorf("unsupported storage profile: %s", profile)
	}
	if c.Storage.LogStoreDSN != "" {
		logStoreDSN = c.Storage.LogStoreDSN
	}
	if c.Storage.StateDSN != "" {
		stateDSN = c.Storage.StateDSN
	}
	return logStoreDSN, stateDSN, nil
}

// ToSettings overlays the configured knobs on the engine defaults.
func (c *Config) ToSettings() (modmail.Settings, error) {
	s := modmail.DefaultSettings()
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	flag := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	color := func(dst *int, v *Color) {
		if v != nil {
			*dst = int(*v)
		}
	}
	duration := func(dst *time.Duration, v *Duration) {
		if v != nil {
			*dst = v.Duration()
		}
	}

	str(&s.GuildID, c.GuildID)
	str(&s.ModmailGuildID, c.ModmailGuildID)
	str(&s.MainCategoryID, c.MainCategoryID)
	str(&s.FallbackCategoryID, c.FallbackCategoryID)
	str(&s.LogChannelID, c.LogChannelID)
	str(&s.LogURL, c.LogURL)
	str(&s.LogURLPrefix, c.LogURLPrefix)

	color(&s.MainColor, c.MainColor)
	color(&s.ModColor, c.ModColor)
	color(&s.RecipientColor, c.RecipientColor)
	color(&s.ErrorColor, c.ErrorColor)
	flag(&s.ShowTimestamp, c.ShowTimestamp)

	str(&s.Mention, c.Mention)
	str(&s.ModTag, c.ModTag)
	str(&s.AnonUsername, c.AnonUsername)
	str(&s.AnonAvatarURL, c.AnonAvatarURL)
	str(&s.AnonTag, c.AnonTag)
	str(&s.ChannelNamePrefix, c.ChannelNamePrefix)
	flag(&s.UseUserIDChannelName, c.UseUserIDChannelName)

	duration(&s.ThreadAutoClose, c.ThreadAutoClose)
	flag(&s.ThreadAutoCloseSilently, c.ThreadAutoCloseSilently)
	str(&s.ThreadAutoCloseResponse, c.ThreadAutoCloseResponse)
	str(&s.ThreadCloseTitle, c.ThreadCloseTitle)
	str(&s.ThreadCloseResponse, c.ThreadCloseResponse)
	str(&s.ThreadSelfCloseResponse, c.ThreadSelfCloseResponse)
	str(&s.ThreadCloseFooter, c.ThreadCloseFooter)
	str(&s.ThreadCreationTitle, c.ThreadCreationTitle)
	str(&s.ThreadCreationResponse, c.ThreadCreationResponse)
	str(&s.ThreadCreationFooter, c.ThreadCreationFooter)
	str(&s.ThreadSelfClosableCreationFooter, c.ThreadSelfClosableCreationFooter)
	duration(&s.ThreadCooldown, c.ThreadCooldown)
	str(&s.CooldownThreadTitle, c.CooldownThreadTitle)
	str(&s.CooldownThreadResponse, c.CooldownThreadResponse)

	flag(&s.ConfirmThreadCreation, c.ConfirmThreadCreation)
	str(&s.ConfirmThreadCreationTitle, c.ConfirmThreadCreationTitle)
	str(&s.ConfirmThreadResponse, c.ConfirmThreadResponse)
	str(&s.ConfirmThreadCreationAccept, c.ConfirmThreadCreationAccept)
	str(&s.ConfirmThreadCreationDeny, c.ConfirmThreadCreationDeny)
	duration(&s.ConfirmTimeout, c.ConfirmTimeout)
	str(&s.ThreadCancelled, c.ThreadCancelled)

	flag(&s.RecipientThreadClose, c.RecipientThreadClose)
	str(&s.CloseEmoji, c.CloseEmoji)
	flag(&s.ThreadShowAccountAge, c.ThreadShowAccountAge)
	flag(&s.ThreadShowJoinAge, c.ThreadShowJoinAge)
	flag(&s.CloseOnLeave, c.CloseOnLeave)
	str(&s.CloseOnLeaveReason, c.CloseOnLeaveReason)
	flag(&s.TransferReactions, c.TransferReactions)
	flag(&s.UserTyping, c.UserTyping)
	flag(&s.ModTyping, c.ModTyping)

	if c.DMDisabled != "" {
		level, err := modmail.ParseDMDisabled(c.DMDisabled)
		if err != nil {
			return modmail.Settings{}, err
		}
		s.DMDisabled = level
	}
	str(&s.DisabledNewThreadTitle, c.DisabledNewThreadTitle)
	str(&s.DisabledNewThreadResponse, c.DisabledNewThreadResponse)
	str(&s.DisabledNewThreadFooter, c.DisabledNewThreadFooter)
	str(&s.DisabledCurrentThreadTitle, c.DisabledCurrentThreadTitle)
	str(&s.DisabledCurrentThreadResponse, c.DisabledCurrentThreadResponse)
	str(&s.DisabledCurrentThreadFooter, c.DisabledCurrentThreadFooter)
	str(&s.SentEmoji, c.SentEmoji)
	str(&s.BlockedEmoji, c.BlockedEmoji)

	if s.GuildID == "" {
		return s, fmt.Errorf("%w: guild_id is required", modmail.ErrInvalidInput)
	}
	return s, nil
}
