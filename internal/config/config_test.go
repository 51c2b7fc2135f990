package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/pavelanni/studycoach/internal/model"
)

func validConfig() Config {
	cfg := Config{
		Feature: model.FeatureActivity,
		LLM: LLM{
			Provider:   ProviderAnthropic,
			APIKey:     "sk-ant-123456789",
			MaxRetries: 5,
		},
		Moodle: Moodle{
			URL:      "https://lms.example.com",
			Token:    "moodletoken",
			CourseID: 9,
			QuizDSN:  "coach:s3cret@tcp(db:3306)/moodle",
		},
		Mail: Mail{
			SMTPHost:     "smtp.example.com",
			SMTPPort:     587,
			SMTPPassword: "mailpass",
			SenderEmail:  "coach@example.com",
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	v.Set("provider", " OpenAI ")
	v.Set("moodle-url", "https://lms.example.com/")
	v.Set("sender-email", "coach@example.com")

	cfg := FromViper(v)
	if cfg.LLM.Provider != ProviderOpenAI {
		t.Errorf("Provider = %q, want openai", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", cfg.LLM.Model)
	}
	if cfg.Moodle.URL != "https://lms.example.com" {
		t.Errorf("Moodle.URL = %q, want trailing slash trimmed", cfg.Moodle.URL)
	}
	if cfg.Feature != model.FeatureActivity {
		t.Errorf("Feature = %q, want activity", cfg.Feature)
	}
	if cfg.Window != 7*24*time.Hour || cfg.ResendWindow != cfg.Window {
		t.Errorf("Window = %v, ResendWindow = %v, want 168h for both", cfg.Window, cfg.ResendWindow)
	}
	if cfg.Mail.SMTPUsername != "coach@example.com" {
		t.Errorf("SMTPUsername = %q, want sender email", cfg.Mail.SMTPUsername)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Moodle.QuizDBPrefix != "mdl_" {
		t.Errorf("QuizDBPrefix = %q, want mdl_", cfg.Moodle.QuizDBPrefix)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantKeys []string
	}{
		{"valid", func(*Config) {}, nil},
		{"unsupported provider", func(c *Config) { c.LLM.Provider = "cohere" }, []string{"provider"}},
		{"missing key", func(c *Config) { c.LLM.APIKey = "" }, []string{"api-key"}},
		{"zero retries", func(c *Config) { c.LLM.MaxRetries = 0 }, []string{"max-retries"}},
		{"bad feature", func(c *Config) { c.Feature = "original" }, []string{"feature"}},
		{"activity needs dsn", func(c *Config) { c.Moodle.QuizDSN = "" }, []string{"quiz-db-dsn"}},
		{"grades from file needs no moodle", func(c *Config) {
			c.Feature = model.FeatureGrades
			c.Moodle = Moodle{GradesFile: "grades.csv"}
		}, nil},
		{"mail credentials", func(c *Config) {
			c.Mail.SenderEmail = ""
			c.Mail.SMTPPassword = ""
		}, []string{"sender-email", "smtp-password"}},
		{"dry run skips smtp", func(c *Config) {
			c.DryRun = true
			c.Mail = Mail{Outbox: "outbox"}
		}, nil},
		{"s3 without region", func(c *Config) { c.Archive.S3Bucket = "plans" }, []string{"archive-s3-region"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if len(tt.wantKeys) == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() = %v, want *ConfigurationError", err)
			}
			if len(cfgErr.Problems) != len(tt.wantKeys) {
				t.Errorf("problems = %v, want keys %v", cfgErr.Problems, tt.wantKeys)
			}
			for _, k := range tt.wantKeys {
				if _, ok := cfgErr.Problems[k]; !ok {
					t.Errorf("missing problem for %q in %v", k, cfgErr.Problems)
				}
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		wantErr bool
	}{
		{"missing", "", true},
		{"plain token", "letmein", true},
		{"bcrypt", "$2a$10$abcdefghijklmnopqrstuuLxQ0a1b2c3d4e5f6g7h8i9j0k1l2m3n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Server.TokenHash = tt.hash
			err := cfg.ValidateServer()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateServer() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) || cfgErr.Problems["trigger-token-hash"] == "" {
					t.Errorf("want trigger-token-hash problem, got %v", err)
				}
			}
		})
	}
}

func TestNormalizeBasePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"/", ""},
		{"coach", "/coach"},
		{"/coach/", "/coach"},
	}
	for _, tt := range tests {
		if got := normalizeBasePath(tt.in); got != tt.want {
			t.Errorf("normalizeBasePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSummaryMasksSecrets(t *testing.T) {
	cfg := validConfig()
	out, err := cfg.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	for _, secret := range []string{"sk-ant-123456789", "moodletoken", "mailpass", "s3cret"} {
		if strings.Contains(out, secret) {
			t.Errorf("summary leaks %q:\n%s", secret, out)
		}
	}
	if !strings.Contains(out, "********6789") {
		t.Errorf("summary should keep last four characters of api key:\n%s", out)
	}
	if !strings.Contains(out, "coach:********@tcp(db:3306)/moodle") {
		t.Errorf("summary should mask DSN password:\n%s", out)
	}
	if !strings.Contains(out, "window: 168h0m0s") {
		t.Errorf("summary should render durations as strings:\n%s", out)
	}
}

func TestMask(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"abc", "********"},
		{"abcdefgh", "********efgh"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
