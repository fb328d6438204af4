// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/syncserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Configuration keys; each is also a flag and a FIELDSYNC_* env variable
const (
	keyDB           = "db"
	keyServer       = "server"
	keyToken        = "token"
	keyJWTSecret    = "jwt-secret"
	keyTenant       = "tenant"
	keyUser         = "user"
	keyCollections  = "collections"
	keyPolicy       = "conflict-policy"
	keyTimeout      = "request-timeout"
	keyInterval     = "interval"
	keyLogFile      = "log-file"
	keyLogLevel     = "log-level"
	keyLogMaxSizeMB = "log-max-size"
)

func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file (yaml, json or toml)")
	f.String(keyDB, "fieldsync.db", "path of the local SQLite database")
	f.String(keyServer, "http://localhost:8080", "base URL of the sync server")
	f.String(keyToken, "", "bearer token for the sync server")
	f.String(keyJWTSecret, "", "mint tokens locally with this HS256 secret instead of --token")
	f.String(keyTenant, "", "tenant id used when minting tokens")
	f.String(keyUser, "", "user id used when minting tokens")
	f.StringSlice(keyCollections, nil, "collections to sync")
	f.String(keyPolicy, "remote-wins", "conflict policy: remote-wins or last-writer-wins")
	f.Duration(keyTimeout, 30*time.Second, "timeout of a single remote call")
	f.Duration(keyInterval, 30*time.Second, "auto sync interval for watch")
	f.String(keyLogFile, "", "write logs to this file (rotated) instead of stderr")
	f.String(keyLogLevel, "warn", "log level: debug, info, warn, error")
	f.Int(keyLogMaxSizeMB, 10, "rotate the log file after this many megabytes")

	_ = v.BindPFlags(f)
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadConfigFile(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

func newLogger(v *viper.Viper, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString(keyLogLevel))); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", v.GetString(keyLogLevel), err)
	}
	opts := &slog.HandlerOptions{Level: level}

	if path := v.GetString(keyLogFile); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    v.GetInt(keyLogMaxSizeMB),
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		return slog.New(slog.NewJSONHandler(rotator, opts)), rotator, nil
	}
	return slog.New(slog.NewTextHandler(stderr, opts)), nopCloser{}, nil
}

func parsePolicy(s string) (fieldsync.ConflictPolicy, error) {
	switch strings.ToLower(s) {
	case "", "remote-wins":
		return fieldsync.ConflictRemoteWins, nil
	case "last-writer-wins", "lww":
		return fieldsync.ConflictLastWriterWins, nil
	default:
		return 0, fmt.Errorf("unknown conflict policy %q", s)
	}
}

// tokenSource returns the configured token or mints one per call
func tokenSource(v *viper.Viper) (func(context.Context) (string, error), error) {
	if token := v.GetString(keyToken); token != "" {
		return func(context.Context) (string, error) { return token, nil }, nil
	}
	secret := v.GetString(keyJWTSecret)
	if secret == "" {
		return nil, nil
	}
	tenant, user := v.GetString(keyTenant), v.GetString(keyUser)
	if tenant == "" || user == "" {
		return nil, fmt.Errorf("--%s and --%s are required with --%s", keyTenant, keyUser, keyJWTSecret)
	}
	jwtAuth := syncserver.NewJWTAuth(secret)
	return func(context.Context) (string, error) {
		return jwtAuth.GenerateToken(user, tenant, time.Hour)
	}, nil
}

// app is everything a command needs: an initialized engine over the local db
type app struct {
	engine  *fieldsync.Engine
	monitor *fieldsync.NetworkMonitor
	logger  *slog.Logger
	db      *sql.DB
	logs    io.Closer
}

func openApp(ctx context.Context, v *viper.Viper, stderr io.Writer) (*app, error) {
	logger, logs, err := newLogger(v, stderr)
	if err != nil {
		return nil, err
	}
	policy, err := parsePolicy(v.GetString(keyPolicy))
	if err != nil {
		return nil, err
	}
	tokens, err := tokenSource(v)
	if err != nil {
		return nil, err
	}

	db, err := fieldsync.OpenDB(v.GetString(keyDB))
	if err != nil {
		return nil, err
	}

	cfg := fieldsync.DefaultConfig(v.GetStringSlice(keyCollections)...)
	cfg.ConflictPolicy = policy
	cfg.RequestTimeout = v.GetDuration(keyTimeout)
	cfg.AutoSyncInterval = v.GetDuration(keyInterval)
	cfg.WriteSyncDelay = 0
	cfg.Logger = logger
	cfg.OnPermanentFailure = func(fm fieldsync.FailedMutation) {
		fmt.Fprintf(stderr, "permanent failure: %s %s/%s after %d attempts: %s\n",
			fm.Action, fm.Collection, fm.RecordID, fm.Attempts, fm.LastError)
	}

	monitor := fieldsync.NewNetworkMonitor(true)
	remote := fieldsync.NewHTTPRemote(strings.TrimRight(v.GetString(keyServer), "/"), tokens)
	engine, err := fieldsync.New(db, remote, monitor, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := engine.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &app{engine: engine, monitor: monitor, logger: logger, db: db, logs: logs}, nil
}

func (a *app) Close() error {
	_ = a.engine.Close()
	err := a.db.Close()
	_ = a.logs.Close()
	return err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
