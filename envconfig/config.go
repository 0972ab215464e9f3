// config.go - Haupt-Konfigurationsfunktionen fuer diffpolicy
//
// Dieses Modul enthaelt:
// - Host: Gibt Scheme und Host des Inferenz-Servers zurueck (DIFFPOLICY_HOST)
// - AllowedOrigins: Gibt erlaubte Origins zurueck (DIFFPOLICY_ORIGINS)
// - Checkpoints: Gibt das Checkpoint-Verzeichnis zurueck (DIFFPOLICY_CHECKPOINTS)
// - DB: Gibt den Pfad der Trainings-Datenbank zurueck (DIFFPOLICY_DB)
// - LogLevel: Gibt Log-Level zurueck (DIFFPOLICY_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Parallelitaet, Seed und Checkpoint-Format
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Host gibt Scheme und Host zurueck
// Konfigurierbar via DIFFPOLICY_HOST
// Default: http://127.0.0.1:8765
func Host() *url.URL {
	defaultPort := "8765"

	s := strings.TrimSpace(Var("DIFFPOLICY_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins gibt erlaubte Origins zurueck
// Konfigurierbar via DIFFPOLICY_ORIGINS (komma-separiert)
// Enthaelt Standard-Origins fuer localhost
func AllowedOrigins() (origins []string) {
	if s := Var("DIFFPOLICY_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// Checkpoints gibt das Checkpoint-Verzeichnis zurueck
// Konfigurierbar via DIFFPOLICY_CHECKPOINTS
// Default: $HOME/.diffpolicy/checkpoints
func Checkpoints() string {
	if s := Var("DIFFPOLICY_CHECKPOINTS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".diffpolicy", "checkpoints")
}

// DB gibt den Pfad der SQLite-Datenbank fuer Trainingslaeufe zurueck
// Konfigurierbar via DIFFPOLICY_DB
// Default: $HOME/.diffpolicy/runs.db
func DB() string {
	if s := Var("DIFFPOLICY_DB"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".diffpolicy", "runs.db")
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via DIFFPOLICY_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("DIFFPOLICY_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
