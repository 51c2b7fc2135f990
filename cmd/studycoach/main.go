package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/studycoach/internal/archive"
	"github.com/pavelanni/studycoach/internal/config"
	"github.com/pavelanni/studycoach/internal/gradebook"
	"github.com/pavelanni/studycoach/internal/handler"
	appI18n "github.com/pavelanni/studycoach/internal/i18n"
	"github.com/pavelanni/studycoach/internal/llm"
	"github.com/pavelanni/studycoach/internal/llm/prompts"
	"github.com/pavelanni/studycoach/internal/mail"
	"github.com/pavelanni/studycoach/internal/model"
	"github.com/pavelanni/studycoach/internal/moodle"
	"github.com/pavelanni/studycoach/internal/outreach"
	"github.com/pavelanni/studycoach/internal/quizdb"
	"github.com/pavelanni/studycoach/internal/store"
)

const moodleTimeout = 60 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "studycoach",
		Short:        "Send Moodle students personalized study plans by email",
		SilenceUsage: true,
	}

	run := runCmd()
	root.AddCommand(run, serveCmd(), exportGradesCmd(), historyCmd(), checkCmd(), hashTokenCmd())

	// "run" is the default when no subcommand is given.
	root.RunE = run.RunE
	root.Flags().AddFlagSet(run.Flags())

	return root
}

// addBatchFlags registers everything a batch run reads.
func addBatchFlags(f *pflag.FlagSet) {
	f.String("feature", string(model.FeatureActivity), "Outreach flow (activity, grades, both)")
	f.String("provider", string(config.ProviderOpenAI), "LLM provider (openai, anthropic, gemini)")
	f.String("api-key", "", "API key for the LLM provider")
	f.String("llm-model", "", "Model name (default depends on provider)")
	f.String("llm-url", "", "Provider API base URL override")
	f.Int("max-retries", 5, "Attempts per provider call")
	f.Int("max-tokens", 4000, "Maximum tokens per generated plan")
	f.String("prompts-dir", "", "Directory with templates/*.txt overriding the built-in prompts")

	f.String("moodle-url", "", "Moodle base URL")
	f.String("moodle-token", "", "Moodle web service token")
	f.Int("course-id", 0, "Moodle course ID")
	f.String("quiz-db-dsn", "", "MySQL DSN of the Moodle database (user:pass@tcp(host:3306)/moodle)")
	f.String("quiz-db-prefix", "mdl_", "Moodle table prefix")
	f.String("grades-file", "", "CSV grade export used as the roster for the grades flow")

	f.Duration("window", model.DefaultWindow, "Trailing activity window")
	f.Duration("delay", 2*time.Second, "Pause between provider calls")
	f.Duration("resend-window", 0, "Skip students contacted within this window (default = window)")
	f.Bool("force", false, "Ignore the resend window")
	f.Bool("dry-run", false, "Write messages to the outbox instead of sending them")
	f.String("outbox", "outbox", "Directory for dry-run messages")

	f.String("smtp-host", "smtp.gmail.com", "SMTP server")
	f.Int("smtp-port", 587, "SMTP port")
	f.String("smtp-username", "", "SMTP username (default = sender-email)")
	f.String("smtp-password", "", "SMTP password")
	f.String("sender-email", "", "From address")
	f.String("sender-name", mail.DefaultSenderName, "From display name")
	f.String("subject-prefix", mail.DefaultSubjectPrefix, "Subject prefix for generated plans")

	addArchiveFlags(f)

	f.StringP("lang", "l", "en", "Message language (en, es)")
	f.String("db", "studycoach.db", "SQLite ledger path")
	addLogFlags(f)
}

func addArchiveFlags(f *pflag.FlagSet) {
	f.String("archive-dir", "", "Keep generated plans under this directory")
	f.String("archive-s3-bucket", "", "Keep generated plans in this S3 bucket")
	f.String("archive-s3-region", "", "S3 region")
	f.String("archive-s3-endpoint", "", "S3-compatible endpoint URL")
	f.String("archive-s3-access-key", "", "S3 access key")
	f.String("archive-s3-secret-key", "", "S3 secret key")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one outreach batch",
		RunE:  runBatch,
	}
	addBatchFlags(cmd.Flags())
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP trigger server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	addBatchFlags(f)
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /coach)")
	f.String("trigger-token-hash", "", "bcrypt hash of the API token (see hash-token)")
	return cmd
}

func exportGradesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-grades",
		Short: "Snapshot the Moodle grade report as CSV or XLSX",
		RunE:  runExportGrades,
	}
	f := cmd.Flags()
	f.String("moodle-url", "", "Moodle base URL")
	f.String("moodle-token", "", "Moodle web service token")
	f.Int("course-id", 0, "Moodle course ID")
	f.StringP("output", "o", "-", "Output file (.csv or .xlsx, - for CSV on stdout)")
	addLogFlags(f)
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Export the run ledger as JSON",
		RunE:  runHistory,
	}
	f := cmd.Flags()
	f.String("db", "studycoach.db", "SQLite ledger path")
	f.Int("course-id", 0, "Course ID included in export metadata")
	f.String("run-id", "", "Export only this run with its deliveries")
	f.Bool("bodies", false, "With --run-id, include the archived message bodies")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addArchiveFlags(f)
	addLogFlags(f)
	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and reach Moodle",
		RunE:  runCheck,
	}
	addBatchFlags(cmd.Flags())
	return cmd
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [TOKEN]",
		Short: "Print the bcrypt hash of an API token (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHashToken,
	}
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("STUDYCOACH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("studycoach")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/studycoach")
	v.AddConfigPath("/etc/studycoach")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// loadConfig builds the configuration and prepares the process-wide
// translations and prompt templates.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	cfg := config.FromViper(v)

	if err := appI18n.Init(cfg.Lang); err != nil {
		return cfg, fmt.Errorf("init i18n: %w", err)
	}
	if dir := v.GetString("prompts-dir"); dir != "" {
		if err := prompts.Load(os.DirFS(dir)); err != nil {
			return cfg, fmt.Errorf("load prompts from %s: %w", dir, err)
		}
		slog.Info("loaded prompt templates", "dir", dir)
	}
	return cfg, nil
}

// batch holds everything a Runner needs plus what must be closed afterwards.
type batch struct {
	runner *outreach.Runner
	ledger *store.Store
	quiz   *sql.DB
}

func (b *batch) Close() {
	if b.quiz != nil {
		_ = b.quiz.Close()
	}
	if b.ledger != nil {
		_ = b.ledger.Close()
	}
}

func newBatch(ctx context.Context, cfg config.Config) (*batch, error) {
	b := &batch{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	provider, err := llm.NewProvider(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create LLM provider: %w", err)
	}
	gateway := llm.NewGateway(provider, cfg.LLM.MaxRetries)

	roster := newRoster(cfg)

	var attempts outreach.AttemptSource
	if cfg.Feature == model.FeatureActivity || cfg.Feature == model.FeatureBoth {
		b.quiz, err = quizdb.Open(cfg.Moodle.QuizDSN)
		if err != nil {
			return nil, err
		}
		src, err := quizdb.New(b.quiz, cfg.Moodle.QuizDBPrefix)
		if err != nil {
			return nil, err
		}
		attempts = src
	}

	var sender mail.Sender
	if cfg.DryRun {
		outbox, err := mail.NewOutboxSender(cfg.Mail.Outbox, mail.From{Name: cfg.Mail.SenderName, Address: cfg.Mail.SenderEmail})
		if err != nil {
			return nil, err
		}
		sender = outbox
		slog.Info("dry run: messages go to the outbox", "dir", outbox.Dir())
	} else {
		smtp, err := mail.NewSMTPSender(cfg.Mail)
		if err != nil {
			return nil, err
		}
		sender = smtp
	}

	plans, err := archive.New(cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("open plan archive: %w", err)
	}

	b.ledger, err = store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	composer := outreach.NewComposer(gateway, cfg.Window, cfg.Mail.SenderName)
	b.runner = outreach.NewRunner(roster, attempts, composer, sender, b.ledger, plans, outreach.Options{
		CourseID:      cfg.Moodle.CourseID,
		Window:        cfg.Window,
		Delay:         cfg.Delay,
		ResendWindow:  cfg.ResendWindow,
		Force:         cfg.Force,
		DryRun:        cfg.DryRun,
		Provider:      gateway.Provider(),
		Lang:          cfg.Lang,
		SubjectPrefix: cfg.Mail.SubjectPrefix,
		SenderName:    cfg.Mail.SenderName,
	})
	ok = true
	return b, nil
}

// newRoster picks the roster source: the CSV grade export when one is given,
// enriched from Moodle when Moodle is configured, otherwise Moodle itself.
func newRoster(cfg config.Config) outreach.RosterSource {
	var client *moodle.Client
	if cfg.Moodle.URL != "" {
		client = moodle.New(cfg.Moodle.URL, cfg.Moodle.Token, &http.Client{Timeout: moodleTimeout})
	}
	if cfg.Moodle.GradesFile != "" {
		r := gradebook.CSVRoster{Path: cfg.Moodle.GradesFile}
		if client != nil && cfg.Moodle.CourseID > 0 {
			r.Directory = moodle.CourseRoster{Client: client, CourseID: cfg.Moodle.CourseID}
		}
		return r
	}
	return moodle.CourseRoster{Client: client, CourseID: cfg.Moodle.CourseID}
}

func runBatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("configuration error", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBatch(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	summary, runErr := b.runner.Run(ctx, cfg.Feature)
	printSummary(appI18n.WithLanguage(ctx, cfg.Lang), cmd.OutOrStdout(), summary)
	if runErr != nil {
		return fmt.Errorf("run %s: %w", summary.RunID, runErr)
	}
	return nil
}

func printSummary(ctx context.Context, w io.Writer, s model.RunSummary) {
	for _, o := range s.Outcomes {
		line := fmt.Sprintf("%-8s %-10s %-8s %s", o.Status, o.Feature, o.StudentID, o.Name)
		if o.Variant != "" {
			line += " [" + string(o.Variant) + "]"
		}
		if o.Reason != "" {
			line += ": " + o.Reason
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, appI18n.Td(ctx, "RunFinished", map[string]any{"RunID": s.RunID, "Status": s.Status()}))
	fmt.Fprintf(w, "%s, %s, %s\n",
		appI18n.Tp(ctx, "MessagesSent", s.Sent),
		appI18n.Tp(ctx, "StudentsFailed", s.Failed),
		appI18n.Tp(ctx, "StudentsSkipped", s.Skipped),
	)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		slog.Error("configuration error", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBatch(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	h := handler.New(ctx, b.runner, b.ledger, handler.Config{
		BasePath:  cfg.Server.BasePath,
		TokenHash: cfg.Server.TokenHash,
		Lang:      cfg.Lang,
		Feature:   cfg.Feature,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.Addr,
			"base_path", cfg.Server.BasePath,
			"provider", cfg.LLM.Provider,
			"model", cfg.LLM.Model,
			"feature", cfg.Feature,
			"lang", cfg.Lang,
			"dry_run", cfg.DryRun,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runExportGrades(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	problems := map[string]string{}
	if v.GetString("moodle-url") == "" {
		problems["moodle-url"] = "missing Moodle URL"
	}
	if v.GetString("moodle-token") == "" {
		problems["moodle-token"] = "missing Moodle API token"
	}
	if v.GetInt("course-id") <= 0 {
		problems["course-id"] = "invalid or missing Moodle course ID"
	}
	if len(problems) > 0 {
		return &config.ConfigurationError{Problems: problems}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := moodle.New(strings.TrimRight(v.GetString("moodle-url"), "/"), v.GetString("moodle-token"),
		&http.Client{Timeout: moodleTimeout})
	records, err := client.Roster(ctx, v.GetInt("course-id"))
	if err != nil {
		return fmt.Errorf("load grades: %w", err)
	}

	outPath := v.GetString("output")
	if outPath == "" || outPath == "-" {
		return gradebook.WriteCSV(os.Stdout, records)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(outPath), ".xlsx") {
		err = gradebook.WriteXLSX(f, records)
	} else {
		err = gradebook.WriteCSV(f, records)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	slog.Info("exported grades", "path", outPath, "students", len(records))
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var export any
	if id := v.GetString("run-id"); id != "" {
		run, err := db.GetRun(id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		if v.GetBool("bodies") {
			plans, err := archive.New(config.ArchiveFromViper(v))
			if err != nil {
				return fmt.Errorf("open plan archive: %w", err)
			}
			if plans == nil {
				return errors.New("--bodies needs --archive-dir or --archive-s3-bucket")
			}
			n := archive.AttachBodies(cmd.Context(), plans, run.Deliveries)
			slog.Info("attached archived bodies", "run_id", id, "bodies", n)
		}
		export = run
	} else {
		export, err = db.ExportHistory(v.GetInt("course-id"))
		if err != nil {
			return fmt.Errorf("export history: %w", err)
		}
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	summary, err := cfg.Summary()
	if err != nil {
		return err
	}
	fmt.Fprint(out, summary)

	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(out, "languages: %s\n", strings.Join(appI18n.Languages(), ", "))
	if !appI18n.Supports(cfg.Lang) {
		return fmt.Errorf("no messages for language %q (have %s)", cfg.Lang, strings.Join(appI18n.Languages(), ", "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Moodle.URL != "" {
		client := moodle.New(cfg.Moodle.URL, cfg.Moodle.Token, &http.Client{Timeout: moodleTimeout})
		courses, err := client.Courses(ctx)
		if err != nil {
			return fmt.Errorf("moodle check: %w", err)
		}
		found := false
		for _, c := range courses {
			if c.ID == cfg.Moodle.CourseID {
				found = true
				fmt.Fprintf(out, "moodle: OK, course %d %q\n", c.ID, c.FullName)
			}
		}
		if !found {
			return fmt.Errorf("moodle check: course %d not visible to the token (%d courses listed)", cfg.Moodle.CourseID, len(courses))
		}
	}

	if cfg.Moodle.QuizDSN != "" {
		db, err := quizdb.Open(cfg.Moodle.QuizDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("quiz database check: %w", err)
		}
		fmt.Fprintln(out, "quiz database: OK")
	}
	return nil
}

func runHashToken(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return errors.New("empty token")
	}
	hash, err := handler.HashToken(token)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
