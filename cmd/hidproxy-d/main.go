package main

import (
	"os"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/aep/hidbridge/internal/cmd"
	"github.com/aep/hidbridge/internal/config"
	"github.com/aep/hidbridge/internal/configpaths"
	hidlog "github.com/aep/hidbridge/internal/log"
)

var cli struct {
	Log        config.LogConfig  `embed:"" prefix:"log."`
	cmd.Device `embed:""`
	ConfigFlag string            `name:"config" help:"Path to a config file, overriding the default search path"`
	Config     cmd.ConfigCommand `cmd:"" help:"Manage configuration files"`
}

func main() {
	userCfg := cmd.FindConfigFlag(os.Args[1:])
	tomlPaths, yamlPaths, jsonPaths := configpaths.ConfigCandidatePaths("device", userCfg)

	ctx := kong.Parse(&cli,
		kong.Name("hidproxy-d"),
		kong.Description("HID-over-serial bridge: device node"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, closeLog, err := hidlog.SetupLogger(hidlog.Options{
		Level:    cli.Log.Level,
		FilePath: cli.Log.File,
	})
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer closeLog()

	var rawLogger hidlog.RawLogger
	switch {
	case cli.Log.RawFile != "":
		f, err := os.OpenFile(cli.Log.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("failed to open raw log file", "file", cli.Log.RawFile, "error", err)
			rawLogger = hidlog.NewRaw(nil)
		} else {
			rawLogger = hidlog.NewRaw(f)
			defer f.Close()
		}
	case cli.Log.Level == "trace":
		rawLogger = hidlog.NewRaw(os.Stdout)
	default:
		rawLogger = hidlog.NewRaw(nil)
	}

	ctx.Bind(logger)
	ctx.BindTo(rawLogger, (*hidlog.RawLogger)(nil))

	err = ctx.Run()
	ctx.FatalIfErrorf(err)
}
