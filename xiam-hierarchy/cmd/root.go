/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

// Package cmd wires the xiam-hierarchy command line: a bench subcommand
// driving the engine at scale, and version.
package cmd

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xiamhq/hierarchy/x"
)

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "xiam-hierarchy",
	Short: "XIAM hierarchical access-control engine",
	Long: `
The XIAM hierarchy engine models an arbitrarily deep organizational tree
and answers "can user U access node N" through path-containment over
access grants.
` + x.BuildDetails(),
	PersistentPreRunE: cobra.NoArgs,
}

var rootConf = viper.New()

// Execute adds all child commands to the root command and runs it. Called
// once by main.main().
func Execute() {
	goflag.Parse()
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().String("config", "",
		"Configuration file. Takes precedence over default values, but is "+
			"overridden by values set with environment variables and flags.")
	x.Check(rootConf.BindPFlags(RootCmd.PersistentFlags()))

	// glog flags (-v, -logtostderr, ...) ride along on the go flag set.
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)

	subcommands := []*x.SubCommand{&Bench, &Version}
	for _, sc := range subcommands {
		RootCmd.AddCommand(sc.Cmd)
		sc.Conf = viper.New()
		x.Check(sc.Conf.BindPFlags(sc.Cmd.Flags()))
		sc.Conf.AutomaticEnv()
		sc.Conf.SetEnvPrefix(sc.EnvPrefix)
	}
	cobra.OnInitialize(func() {
		cfg := rootConf.GetString("config")
		if cfg == "" {
			return
		}
		for _, sc := range subcommands {
			sc.Conf.SetConfigFile(cfg)
			x.Checkf(sc.Conf.ReadInConfig(), "reading config")
		}
	})
}
