// Package config holds the run configuration. It is built once from viper in
// main and passed to constructors; nothing below main reads the environment.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/studycoach/internal/model"
)

// Provider identifies a text-generation backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

var defaultModels = map[Provider]string{
	ProviderOpenAI:    "gpt-4o",
	ProviderAnthropic: "claude-3-5-sonnet-20241022",
	ProviderGemini:    "gemini-2.0-flash",
}

// IsValidProvider checks if a provider identifier is supported.
func IsValidProvider(p string) bool {
	_, ok := defaultModels[Provider(p)]
	return ok
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(p Provider) string {
	return defaultModels[p]
}

// LLM configures the Provider Gateway.
type LLM struct {
	Provider   Provider `yaml:"provider"`
	APIKey     string   `yaml:"api_key"`
	Model      string   `yaml:"model"`
	BaseURL    string   `yaml:"base_url,omitempty"`
	MaxRetries int      `yaml:"max_retries"`
	MaxTokens  int      `yaml:"max_tokens"`
}

// Moodle configures the LMS REST client and the quiz attempt database.
type Moodle struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	CourseID     int    `yaml:"course_id"`
	QuizDSN      string `yaml:"quiz_db_dsn"`
	QuizDBPrefix string `yaml:"quiz_db_prefix"`
	GradesFile   string `yaml:"grades_file,omitempty"`
}

// Mail configures delivery.
type Mail struct {
	SMTPHost      string `yaml:"smtp_host"`
	SMTPPort      int    `yaml:"smtp_port"`
	SMTPUsername  string `yaml:"smtp_username"`
	SMTPPassword  string `yaml:"smtp_password"`
	SenderEmail   string `yaml:"sender_email"`
	SenderName    string `yaml:"sender_name"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Outbox        string `yaml:"outbox"`
}

// Archive configures where generated message bodies are kept.
type Archive struct {
	Dir         string `yaml:"dir,omitempty"`
	S3Bucket    string `yaml:"s3_bucket,omitempty"`
	S3Region    string `yaml:"s3_region,omitempty"`
	S3Endpoint  string `yaml:"s3_endpoint,omitempty"`
	S3AccessKey string `yaml:"s3_access_key,omitempty"`
	S3SecretKey string `yaml:"s3_secret_key,omitempty"`
}

// Server configures the HTTP trigger.
type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path,omitempty"`
	TokenHash string `yaml:"token_hash"`
}

// Config is the full run configuration.
type Config struct {
	Feature      model.Feature `yaml:"feature"`
	Window       time.Duration `yaml:"window"`
	Delay        time.Duration `yaml:"delay"`
	ResendWindow time.Duration `yaml:"resend_window"`
	Force        bool          `yaml:"force"`
	DryRun       bool          `yaml:"dry_run"`
	Lang         string        `yaml:"lang"`
	DBPath       string        `yaml:"db"`

	LLM     LLM     `yaml:"llm"`
	Moodle  Moodle  `yaml:"moodle"`
	Mail    Mail    `yaml:"mail"`
	Archive Archive `yaml:"archive"`
	Server  Server  `yaml:"server"`
}

// FromViper builds a Config from bound flags, environment and config file.
func FromViper(v *viper.Viper) Config {
	cfg := Config{
		Feature:      model.Feature(strings.ToLower(strings.TrimSpace(v.GetString("feature")))),
		Window:       v.GetDuration("window"),
		Delay:        v.GetDuration("delay"),
		ResendWindow: v.GetDuration("resend-window"),
		Force:        v.GetBool("force"),
		DryRun:       v.GetBool("dry-run"),
		Lang:         v.GetString("lang"),
		DBPath:       v.GetString("db"),
		LLM: LLM{
			Provider:   Provider(strings.ToLower(strings.TrimSpace(v.GetString("provider")))),
			APIKey:     v.GetString("api-key"),
			Model:      v.GetString("llm-model"),
			BaseURL:    v.GetString("llm-url"),
			MaxRetries: v.GetInt("max-retries"),
			MaxTokens:  v.GetInt("max-tokens"),
		},
		Moodle: Moodle{
			URL:          strings.TrimRight(v.GetString("moodle-url"), "/"),
			Token:        v.GetString("moodle-token"),
			CourseID:     v.GetInt("course-id"),
			QuizDSN:      v.GetString("quiz-db-dsn"),
			QuizDBPrefix: v.GetString("quiz-db-prefix"),
			GradesFile:   v.GetString("grades-file"),
		},
		Mail: Mail{
			SMTPHost:      v.GetString("smtp-host"),
			SMTPPort:      v.GetInt("smtp-port"),
			SMTPUsername:  v.GetString("smtp-username"),
			SMTPPassword:  v.GetString("smtp-password"),
			SenderEmail:   v.GetString("sender-email"),
			SenderName:    v.GetString("sender-name"),
			SubjectPrefix: v.GetString("subject-prefix"),
			Outbox:        v.GetString("outbox"),
		},
		Archive: ArchiveFromViper(v),
		Server: Server{
			Addr:      v.GetString("addr"),
			BasePath:  normalizeBasePath(v.GetString("base-path")),
			TokenHash: v.GetString("trigger-token-hash"),
		},
	}
	cfg.applyDefaults()
	return cfg
}

// ArchiveFromViper reads only the archive settings.
func ArchiveFromViper(v *viper.Viper) Archive {
	return Archive{
		Dir:         v.GetString("archive-dir"),
		S3Bucket:    v.GetString("archive-s3-bucket"),
		S3Region:    v.GetString("archive-s3-region"),
		S3Endpoint:  v.GetString("archive-s3-endpoint"),
		S3AccessKey: v.GetString("archive-s3-access-key"),
		S3SecretKey: v.GetString("archive-s3-secret-key"),
	}
}

func (c *Config) applyDefaults() {
	if c.Feature == "" {
		c.Feature = model.FeatureActivity
	}
	if c.Window <= 0 {
		c.Window = model.DefaultWindow
	}
	if c.ResendWindow <= 0 {
		c.ResendWindow = c.Window
	}
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultModel(c.LLM.Provider)
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4000
	}
	if c.Moodle.QuizDBPrefix == "" {
		c.Moodle.QuizDBPrefix = "mdl_"
	}
	if c.Mail.SMTPUsername == "" {
		c.Mail.SMTPUsername = c.Mail.SenderEmail
	}
	if c.Lang == "" {
		c.Lang = "en"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
}

func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// ConfigurationError lists every missing or invalid setting. It is fatal at
// startup, before any student is processed.
type ConfigurationError struct {
	Problems map[string]string
}

func (e *ConfigurationError) Error() string {
	keys := make([]string, 0, len(e.Problems))
	for k := range e.Problems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Problems[k])
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Validate checks the settings a batch run needs.
func (c Config) Validate() error {
	problems := map[string]string{}

	if !model.IsValidFeature(string(c.Feature)) {
		problems["feature"] = fmt.Sprintf("unsupported feature %q", c.Feature)
	}
	var llmErr *ConfigurationError
	if errors.As(c.LLM.Validate(), &llmErr) {
		for k, v := range llmErr.Problems {
			problems[k] = v
		}
	}

	needsMoodle := c.Feature != model.FeatureGrades || c.Moodle.GradesFile == ""
	if needsMoodle {
		if c.Moodle.URL == "" {
			problems["moodle-url"] = "missing Moodle URL"
		}
		if c.Moodle.Token == "" {
			problems["moodle-token"] = "missing Moodle API token"
		}
		if c.Moodle.CourseID <= 0 {
			problems["course-id"] = "invalid or missing Moodle course ID"
		}
	}
	if c.Feature == model.FeatureActivity || c.Feature == model.FeatureBoth {
		if c.Moodle.QuizDSN == "" {
			problems["quiz-db-dsn"] = "missing quiz database DSN"
		}
	}

	if c.DryRun {
		if c.Mail.Outbox == "" {
			problems["outbox"] = "missing outbox directory for dry run"
		}
	} else {
		if c.Mail.SenderEmail == "" {
			problems["sender-email"] = "missing sender email"
		}
		if c.Mail.SMTPPassword == "" {
			problems["smtp-password"] = "missing sender password"
		}
		if c.Mail.SMTPHost == "" {
			problems["smtp-host"] = "missing SMTP server"
		}
	}

	if c.Delay < 0 {
		problems["delay"] = "must not be negative"
	}
	if c.Archive.S3Bucket != "" && c.Archive.S3Region == "" {
		problems["archive-s3-region"] = "required with archive-s3-bucket"
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// Validate checks the provider selection and credentials.
func (l LLM) Validate() error {
	problems := map[string]string{}
	if !IsValidProvider(string(l.Provider)) {
		problems["provider"] = fmt.Sprintf("unsupported provider %q", l.Provider)
	}
	if l.APIKey == "" {
		problems["api-key"] = "missing API key"
	}
	if l.MaxRetries < 1 {
		problems["max-retries"] = "must be at least 1"
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// ValidateServer checks the settings the HTTP trigger needs on top of a
// valid batch configuration.
func (c Config) ValidateServer() error {
	problems := map[string]string{}
	var cfgErr *ConfigurationError
	if errors.As(c.Validate(), &cfgErr) {
		for k, v := range cfgErr.Problems {
			problems[k] = v
		}
	}
	if c.Server.TokenHash == "" {
		problems["trigger-token-hash"] = "missing bcrypt hash of the API token (see hash-token)"
	} else if !strings.HasPrefix(c.Server.TokenHash, "$2") {
		problems["trigger-token-hash"] = "not a bcrypt hash"
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// Summary renders the configuration as YAML with secrets masked.
func (c Config) Summary() (string, error) {
	masked := c
	masked.LLM.APIKey = Mask(c.LLM.APIKey)
	masked.Moodle.Token = Mask(c.Moodle.Token)
	masked.Moodle.QuizDSN = maskDSN(c.Moodle.QuizDSN)
	masked.Mail.SMTPPassword = Mask(c.Mail.SMTPPassword)
	masked.Archive.S3AccessKey = Mask(c.Archive.S3AccessKey)
	masked.Archive.S3SecretKey = Mask(c.Archive.S3SecretKey)
	masked.Server.TokenHash = Mask(c.Server.TokenHash)

	out, err := yaml.Marshal(masked)
	if err != nil {
		return "", fmt.Errorf("marshal config summary: %w", err)
	}
	return string(out), nil
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "********"
	}
	return "********" + secret[len(secret)-4:]
}

// maskDSN hides the password part of user:password@tcp(host)/db.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	creds := dsn[:at]
	colon := strings.Index(creds, ":")
	if colon < 0 {
		return dsn
	}
	return creds[:colon+1] + "********" + dsn[at:]
}
