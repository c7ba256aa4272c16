package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pavelanni/coach/internal/handler"
	"github.com/pavelanni/coach/internal/mcpserver"
	"github.com/pavelanni/coach/internal/seed"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the store tools over MCP on stdio",
		RunE:  runMCP,
	}
	storeFlags(cmd)
	return cmd
}

func runMCP(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	student, err := defaultStudent(ctx, db, v)
	if err != nil {
		return err
	}

	srv := mcpserver.NewServer(mcpserver.Config{
		Store:       db,
		Version:     version,
		StudentName: student.StudentName,
		ExamName:    student.ExamName,
	})
	slog.Info("serving MCP on stdio")
	return srv.ServeStdio(ctx)
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import students, memory, calendar, skills and questions from JSON or YAML files",
		RunE:  runSeed,
	}
	storeFlags(cmd)
	cmd.Flags().String("dir", "data", "Directory holding the seed files")
	return cmd
}

func runSeed(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	student, err := defaultStudent(ctx, db, v)
	if err != nil {
		return err
	}
	rep, err := seed.NewLoader(db, student).LoadDir(ctx, v.GetString("dir"))
	if err != nil {
		return err
	}
	for _, name := range []string{seed.FileStudents, seed.FileMemory, seed.FileCalendar, seed.FileSkills, seed.FileQuestions} {
		if n, ok := rep.Imported[name]; ok {
			fmt.Fprintf(cmd.OutOrStdout(), "imported %-18s %d\n", name, n)
		}
	}
	for _, name := range rep.Skipped {
		fmt.Fprintf(cmd.OutOrStdout(), "skipped  %s\n", name)
	}
	return nil
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export calendar, skill levels, memory and orchestration log as JSON",
		RunE:  runExport,
	}
	storeFlags(cmd)
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	student, err := defaultStudent(ctx, db, v)
	if err != nil {
		return err
	}
	export, err := db.Export(ctx, student.StudentName, student.ExamName)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
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

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash of an API key for --api-key-hash",
		Long:  "Print the bcrypt hash of an API key. The key is read from the argument, or from stdin when none is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read key: %w", err)
				}
				key = strings.TrimSpace(string(data))
			}
			if key == "" {
				return errors.New("empty API key")
			}
			hash, err := handler.HashAPIKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
