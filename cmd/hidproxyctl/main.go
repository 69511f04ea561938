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
	Log     config.LogConfig `embed:"" prefix:"log."`
	cmd.Ctl `embed:""`

	ConfigFlag string            `name:"config" help:"Path to a config file, overriding the default search path"`
	Config     cmd.ConfigCommand `cmd:"" help:"Manage configuration files"`
}

func main() {
	userCfg := cmd.FindConfigFlag(os.Args[1:])
	tomlPaths, yamlPaths, jsonPaths := configpaths.ConfigCandidatePaths("ctl", userCfg)

	ctx := kong.Parse(&cli,
		kong.Name("hidproxyctl"),
		kong.Description("Control the side channel on a running hidproxy-h"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, closeLog, err := hidlog.SetupLogger(hidlog.Options{Level: cli.Log.Level, FilePath: cli.Log.File})
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer closeLog()

	ctx.Bind(logger)
	ctx.Bind(&cli.Ctl)

	err = ctx.Run()
	ctx.FatalIfErrorf(err)
}
