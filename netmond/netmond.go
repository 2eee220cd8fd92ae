/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// netmond is the passive network observation daemon.  It sniffs the
// gateway interface for DNS traffic and flow volumes, persists what it
// sees, matches it against threat intelligence feeds, and serves the
// query API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomazk/envcfg"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/peanutyost/Network-Logging/netlog_models/loggerdb"
	"github.com/peanutyost/Network-Logging/nl_common/daemonutils"
	"github.com/peanutyost/Network-Logging/threatintel"
)

const pname = "netmond"

// Cfg contains the environment variable-based configuration settings.
type Cfg struct {
	DBType     string `envcfg:"DB_TYPE"`
	DBHost     string `envcfg:"DB_HOST"`
	DBPort     string `envcfg:"DB_PORT"`
	DBName     string `envcfg:"DB_NAME"`
	DBUser     string `envcfg:"DB_USER"`
	DBPassword string `envcfg:"DB_PASSWORD"`
	DBPath     string `envcfg:"DB_PATH"`

	CaptureInterface string `envcfg:"CAPTURE_INTERFACE"`
	CapturePorts     string `envcfg:"CAPTURE_PORTS"`
	CaptureBPFFilter string `envcfg:"CAPTURE_BPF_FILTER"`
	CaptureSnaplen   int    `envcfg:"CAPTURE_SNAPSHOT_LENGTH"`

	APIListen     string `envcfg:"API_LISTEN"`
	JWTSecret     string `envcfg:"JWT_SECRET_KEY"`
	AdminPassword string `envcfg:"ADMIN_PASSWORD"`

	OrphanedIPDays int    `envcfg:"ORPHANED_IP_DAYS"`
	LogLevel       string `envcfg:"LOG_LEVEL"`
}

var (
	environ Cfg

	log  *zap.Logger
	slog *zap.SugaredLogger

	db      loggerdb.DataStore
	threats *threatintel.Manager

	// daemonCtx is cancelled when shutdown begins.
	daemonCtx    context.Context
	daemonCancel context.CancelFunc

	monitors = make([]*monitor, 0)
)

// netmond hosts a number of relatively independent monitoring
// subsystems.  Each is defined by the following structure and plugged
// into the framework at launch time by its init() function.
type monitor struct {
	name    string
	init    func() error
	fini    func()
	running bool
}

func addMonitor(name string, ini func() error, fini func()) {
	monitors = append(monitors, &monitor{
		name: name,
		init: ini,
		fini: fini,
	})
}

// orphanedDays is the reporting and DNS-binding window in days, from
// ORPHANED_IP_DAYS with a 7 day default.
func orphanedDays() int {
	if environ.OrphanedIPDays > 0 {
		return environ.OrphanedIPDays
	}
	return 7
}

func dsn() (string, string) {
	dbType := environ.DBType
	if dbType == "" {
		dbType = "sqlite"
	}
	switch dbType {
	case "sqlite", "sqlite3":
		path := environ.DBPath
		if path == "" {
			path = "netlog.db"
		}
		return dbType, path
	default:
		host := environ.DBHost
		if host == "" {
			host = "localhost"
		}
		port := environ.DBPort
		if port == "" {
			port = "5432"
		}
		return dbType, fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
			host, port, environ.DBName, environ.DBUser,
			environ.DBPassword)
	}
}

// ensureAdminUser creates the initial admin account on a fresh
// database.  Startup fails if no password was configured, rather than
// shipping a default credential.
func ensureAdminUser(ctx context.Context) error {
	_, err := db.UserByUsername(ctx, "admin")
	if err == nil {
		return nil
	} else if !loggerdb.IsNotFound(err) {
		return err
	}

	if environ.AdminPassword == "" {
		slog.Warnf("no users and no ADMIN_PASSWORD set; API logins will fail")
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword(
		[]byte(environ.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = db.CreateUser(ctx, &loggerdb.User{
		Username:       "admin",
		HashedPassword: string(hash),
		IsAdmin:        true,
		IsActive:       true,
	})
	if err == nil {
		slog.Infof("created initial admin user")
	}
	return err
}

func main() {
	flag.Parse()
	log, slog = daemonutils.SetupLogs()
	defer log.Sync()

	if err := envcfg.Unmarshal(&environ); err != nil {
		slog.Fatalf("failed to parse environment: %v", err)
	}
	if environ.LogLevel != "" {
		if err := daemonutils.SetLevel(environ.LogLevel); err != nil {
			slog.Warnf("bad LOG_LEVEL %q: %v", environ.LogLevel, err)
		}
	}
	slog.Infof("starting %s", pname)

	daemonCtx, daemonCancel = context.WithCancel(context.Background())
	defer daemonCancel()

	dbType, connect := dsn()
	var err error
	db, err = loggerdb.New(dbType, connect)
	if err != nil {
		slog.Fatalf("failed to open %s database: %v", dbType, err)
	}
	defer db.Close()
	if err = db.CreateTables(daemonCtx); err != nil {
		slog.Fatalf("failed to create schema: %v", err)
	}
	if err = ensureAdminUser(daemonCtx); err != nil {
		slog.Fatalf("failed to create admin user: %v", err)
	}

	threats = threatintel.NewManager(db, slog)
	if err = threats.Bootstrap(daemonCtx); err != nil {
		slog.Fatalf("failed to initialize threat feeds: %v", err)
	}
	threats.OnAlert = countAlert
	go threats.Scheduler(daemonCtx)

	for _, m := range monitors {
		if err := m.init(); err != nil {
			slog.Errorf("failed to start %s: %v", m.name, err)
		} else {
			slog.Infof("started %s", m.name)
			m.running = true
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Infof("received signal %v, stopping", s)

	daemonCancel()
	for i := len(monitors) - 1; i >= 0; i-- {
		m := monitors[i]
		if m.running && m.fini != nil {
			m.fini()
		}
	}
	slog.Infof("%s stopped", pname)
}
