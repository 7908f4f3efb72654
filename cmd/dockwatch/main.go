package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"dockwatch.citycycles.org/internal/appconf"
	"dockwatch.citycycles.org/internal/deeplink"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to JSON config file")
		role       = flag.String("role", "", "process role: phone, watch, or widget")
		apiBaseURL = flag.String("api-base-url", "", "station API root URL")
		dataPath   = flag.String("data-path", "", "shared SQLite store path")
		socketPath = flag.String("socket-path", "", "companion channel socket base path")
		port       = flag.Int("port", 0, "ops HTTP server port")
		env        = flag.String("env", "", "environment: development, test, or production")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
		homeLat    = flag.Float64("home-lat", 0, "home latitude for closest-station resolution")
		homeLon    = flag.Float64("home-lon", 0, "home longitude for closest-station resolution")
		openLink   = flag.String("open", "", "parse a dockwatch:// link, print its route, and exit")
	)
	flag.Parse()

	if *openLink != "" {
		os.Exit(runOpen(*openLink, os.Stdout, os.Stderr))
	}

	cfg := appconf.Defaults()
	if *configPath != "" {
		jsonCfg, err := appconf.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dockwatch: %v\n", err)
			os.Exit(1)
		}
		cfg = jsonCfg.ToConfig()
	}

	// Flags win over the config file, but only the ones actually set.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = appconf.Role(*role)
		case "api-base-url":
			cfg.APIBaseURL = *apiBaseURL
		case "data-path":
			cfg.DataPath = *dataPath
		case "socket-path":
			cfg.SocketPath = *socketPath
		case "port":
			cfg.Port = *port
		case "env":
			cfg.Env = appconf.EnvFromString(*env)
		case "verbose":
			cfg.Verbose = *verbose
		case "home-lat":
			cfg.HomeLat = *homeLat
		case "home-lon":
			cfg.HomeLon = *homeLon
		}
	})

	if !cfg.Role.Valid() {
		fmt.Fprintf(os.Stderr, "dockwatch: unknown role %q (want phone, watch, or widget)\n", cfg.Role)
		os.Exit(1)
	}
	if cfg.DataPath == "" {
		fmt.Fprintln(os.Stderr, "dockwatch: -data-path is required")
		os.Exit(1)
	}

	application, err := BuildApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dockwatch: failed to build application: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(application.Logger)

	if err := Run(application); err != nil {
		application.Logger.Error("daemon exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// runOpen resolves a candidate deeplink the way the app would and
// reports where it leads. Exit code 1 marks an unrecognized link.
func runOpen(raw string, out, errOut io.Writer) int {
	route, ok := deeplink.Parse(raw)
	if !ok {
		fmt.Fprintf(errOut, "dockwatch: unrecognized link: %s\n", raw)
		return 1
	}

	switch route.Kind {
	case deeplink.KindStationDetail:
		fmt.Fprintf(out, "station detail: %s\n", route.StationID)
	case deeplink.KindWidgetSelect:
		fmt.Fprintf(out, "widget slot %d: station selection\n", route.Slot)
	case deeplink.KindWidgetOpen:
		fmt.Fprintf(out, "widget slot %d: open\n", route.Slot)
	}
	return 0
}
