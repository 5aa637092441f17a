package main

import (
	"flag"
	"strings"

	"github.com/matheus3301/wppgw/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.wppgw/config.toml)")
	sessionsFlag := flag.String("sessions", "", "comma-separated session keys to start in addition to restored ones")
	flag.Parse()

	var sessions []string
	for _, key := range strings.Split(*sessionsFlag, ",") {
		if key = strings.TrimSpace(key); key != "" {
			sessions = append(sessions, key)
		}
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath: *configFlag,
			Sessions:   sessions,
		}),
	)

	app.Run()
}
