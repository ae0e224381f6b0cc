// camplug-synthetic - Out-of-process synthetic camera module
//
// Serves the deterministic test pattern camera over go-plugin so hosts can
// exercise the process boundary at every API level.
//
// Build:
//   go build -o camplug-synthetic ./cmd/camplug-synthetic
//
// Usage:
//   cp camplug-synthetic ~/.config/camplug/modules/
//   camplug modules list
//   camplug stream camplug-synthetic --frames 10
//
// The host starts the module without arguments, so settings come from the
// environment: CAMPLUG_SYNTHETIC_API_VERSION, CAMPLUG_SYNTHETIC_WIDTH,
// CAMPLUG_SYNTHETIC_HEIGHT and CAMPLUG_SYNTHETIC_INTERVAL.
//
// Copyright (c) 2025 John Mylchreest
// Licensed under the MIT License
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/camplug/internal/plugin/protocol"
	"github.com/jmylchreest/camplug/internal/synthetic"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// moduleName keeps the external module apart from the built-in one.
const moduleName = "camplug-synthetic"

const envPrefix = "CAMPLUG_SYNTHETIC_"

func envString(name, def string) string {
	if v := os.Getenv(envPrefix + name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(envPrefix + name)); err == nil {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(envPrefix + name)); err == nil {
		return v
	}
	return def
}

func main() {
	flags := pflag.NewFlagSet(moduleName, pflag.ContinueOnError)
	info := flags.Bool(protocol.InfoFlag[2:], false, "print module info as JSON and exit")
	apiVersion := flags.String("api-version", envString("API_VERSION", plugin.CurrentAPIVersion.String()), "API level to declare (N or vN)")
	width := flags.Uint32("width", uint32(envInt("WIDTH", synthetic.DefaultWidth)), "sensor width") // #nosec G115 -- small configured value
	height := flags.Uint32("height", uint32(envInt("HEIGHT", synthetic.DefaultHeight)), "sensor height") // #nosec G115 -- small configured value
	interval := flags.Duration("interval", envDuration("INTERVAL", synthetic.DefaultInterval), "frame period")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", moduleName, err)
		os.Exit(2)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       moduleName,
		Level:      hclog.Trace,
		Output:     os.Stderr,
		JSONFormat: true,
	})

	version, err := protocol.Parse(*apiVersion)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", moduleName, err)
		os.Exit(2)
	}
	mod := synthetic.New(synthetic.Config{
		APIVersion: version,
		Width:      *width,
		Height:     *height,
		Interval:   *interval,
		Logger:     logger,
	})

	if *info {
		meta := mod.Info()
		meta.Name = moduleName
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(meta); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding module info: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: plugin.Handshake,
		Plugins: map[string]goplugin.Plugin{
			plugin.DispenseName: &plugin.CameraPluginRPC{Impl: mod, Version: version},
		},
		Logger: logger,
	})
}
