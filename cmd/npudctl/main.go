package main

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vectornorth/npud-offload/pkg/rpcclient"
)

type param struct {
	name      string
	shorthand string
	value     interface{}
	usage     string
	required  bool
}

const (
	// flagJSONLog enables log json.
	flagJSONLog = "json-log"
	// flagVerbose enables verbose logging.
	flagVerbose = "verbose"
	// flagAddr npud daemon address.
	flagAddr = "daemonAddr"
	// flagAddrS short form of flagAddr.
	flagAddrS = "s"
	// flagConfig path to a configuration file.
	flagConfig = "config"
	// flagConfigS short form of flagConfig.
	flagConfigS = "c"
)

var (
	Version    string
	Build      string
	rootParams = []param{
		{name: flagConfig, shorthand: flagConfigS, value: "", usage: "path to configuration file"},
		{name: flagJSONLog, shorthand: "", value: false, usage: "output logs in json format"},
		{name: flagVerbose, shorthand: "", value: false, usage: "enable verbose logs"},
		{name: flagAddr, shorthand: flagAddrS, value: rpcclient.DefaultDaemonAddress, usage: "address of the npud daemon"},
	}
)

var npudCtlVersion = &cobra.Command{
	Use:   "version",
	Short: "Print npudctl version and build sha",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("version: %s build: %s\n", Version, Build)
	},
}

var rootCmd = &cobra.Command{
	Use:   "npudctl",
	Short: "npudctl - cli client for inspecting the npud offload configuration",
}

func init() {
	cobra.OnInitialize(initConfig)
	setParams(rootParams, rootCmd)
	setParams(planParams, planCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(npudCtlVersion)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("NPUD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if cfgFile := viper.GetString(flagConfig); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("can't read config file %s, err: %s", cfgFile, err)
		}
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			log.Infof("config file changed: %s", e.Name)
		})
	}
	setupLogging()
}

func setParams(params []param, command *cobra.Command) {
	for _, param := range params {
		switch v := param.value.(type) {
		case int:
			command.PersistentFlags().IntP(param.name, param.shorthand, v, param.usage)
		case string:
			command.PersistentFlags().StringP(param.name, param.shorthand, v, param.usage)
		case bool:
			command.PersistentFlags().BoolP(param.name, param.shorthand, v, param.usage)
		}
		if err := viper.BindPFlag(param.name, command.PersistentFlags().Lookup(param.name)); err != nil {
			panic(err)
		}
	}
}

func setupLogging() {
	if viper.GetBool(flagVerbose) {
		log.SetLevel(log.DebugLevel)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
			CallerPrettyfier: func(frame *runtime.Frame) (function string, file string) {
				fileName := fmt.Sprintf(" [%s]", path.Base(frame.Function)+":"+strconv.Itoa(frame.Line))
				return "", fileName
			},
		})
	} else {
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if viper.GetBool(flagJSONLog) {
		log.SetFormatter(&log.JSONFormatter{})
	}

	log.SetOutput(os.Stdout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
