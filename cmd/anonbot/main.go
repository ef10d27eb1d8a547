package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/m3rciful/anonbot/bot"
	"github.com/m3rciful/anonbot/core/buildinfo"
	"github.com/m3rciful/anonbot/core/cmd"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("anonbot %s (%s %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		return
	}

	err := cmd.Run(cmd.Options{
		ConfigEnvVar:      "CONFIG_PATH",
		DefaultConfigPath: "config/config.yaml",
		LoadConfig: func(path string) (cmd.ConfigCarrier, error) {
			return bot.LoadConfig(path)
		},
		Bootstrap: func(cfg cmd.ConfigCarrier) (cmd.TelegramApp, error) {
			appCfg, ok := cfg.(*bot.Config)
			if !ok {
				return nil, fmt.Errorf("unexpected config type %T", cfg)
			}
			return bot.Bootstrap(appCfg)
		},
	})
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
