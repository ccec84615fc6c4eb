package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"chatboxd/pkg/boxstore"
	"chatboxd/pkg/logging"
	"chatboxd/pkg/server"
	"chatboxd/pkg/store"
	"chatboxd/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "TCP bind address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite user database file path")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for the chatbox database")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for /metrics (empty to disable)")
	flag.StringVar(&cfg.SeedFile, "seed-file", "", "YAML file of users to register on startup")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.BoolVar(&cfg.ExportChatBoxes, "export-chatboxes", false, "Export all chatboxes as YAML and exit")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("chatboxd " + version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	// Handle export commands (run and exit)
	if cfg.ExportUsers || cfg.ExportChatBoxes {
		if cfg.ExportUsers {
			users, err := store.New(cfg.DBPath)
			if err != nil {
				slog.Error("open user database", "err", err)
				os.Exit(1)
			}
			defer users.Close()

			data, err := server.ExportUsersYAML(users)
			if err != nil {
				slog.Error("export users", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		if cfg.ExportChatBoxes {
			boxes, err := boxstore.NewBadger(chatboxDir(cfg), slog.Default())
			if err != nil {
				slog.Error("open chatbox database", "err", err)
				os.Exit(1)
			}
			defer boxes.Close()

			data, err := server.ExportChatBoxesYAML(boxes)
			if err != nil {
				slog.Error("export chatboxes", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		return
	}

	users, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("open user database", "err", err)
		os.Exit(1)
	}
	boxes, err := boxstore.NewBadger(chatboxDir(cfg), slog.Default())
	if err != nil {
		slog.Error("open chatbox database", "err", err)
		_ = users.Close()
		os.Exit(1)
	}

	slog.Info("starting chatboxd", "version", version.String())
	srv := server.New(cfg, server.Dependencies{Users: users, Boxes: boxes})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func chatboxDir(cfg server.Config) string {
	return filepath.Join(cfg.DataDir, "chatboxes")
}
