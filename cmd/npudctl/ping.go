package main

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vectornorth/npud-offload/pkg/rpcclient"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "ping the npud daemon to check connectivity",
	Run: func(cmd *cobra.Command, args []string) {
		addr := viper.GetString(flagAddr)
		conn, err := rpcclient.Dial(addr, 3*time.Second)
		if err != nil {
			log.Fatalf("can't initiate connection to npud at %s, err: %s", addr, err)
		}
		defer conn.Close()
		log.Infof("npud at %s is reachable", addr)
	},
}
