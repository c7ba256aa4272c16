package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/store"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "coach",
		Short:        "Tutoring backend: daily study plans, question selection, tutor chat and scoring",
		Version:      version,
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, mcpCmd(), seedCmd(), exportCmd(), hashKeyCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `coach --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// storeFlags registers the flags every database-backed command shares.
func storeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "coach.db", "Database path (sqlite) or connection URL (postgres)")
	f.String("db-driver", "sqlite", "Database driver (sqlite, pgx)")
	f.String("student-name", "", "Default student when a request names none")
	f.String("exam-name", "", "Exam of the default student")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
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

	v.SetEnvPrefix("COACH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("coach")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/coach")
	v.AddConfigPath("/etc/coach")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.New(v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// defaultStudent resolves the configured student, falling back to the
// first student on record.
func defaultStudent(ctx context.Context, db *store.Store, v *viper.Viper) (model.StudentData, error) {
	sd := model.StudentData{
		StudentName: strings.TrimSpace(v.GetString("student-name")),
		ExamName:    strings.TrimSpace(v.GetString("exam-name")),
	}
	if sd.StudentName != "" {
		return sd, nil
	}
	first, err := db.FirstStudent(ctx)
	if err != nil {
		return sd, fmt.Errorf("find default student: %w", err)
	}
	if first != nil {
		sd.StudentName, sd.ExamName = first.StudentName, first.ExamName
	}
	return sd, nil
}
