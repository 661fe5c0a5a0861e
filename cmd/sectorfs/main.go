// Copyright 2025 The sectorfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command sectorfs is a small CLI front end over the fs package: format a
// device file, mount it, and run basic file operations against it. It
// stands in for the syscall-dispatch layer an operating system would
// otherwise provide.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sectorfs/sectorfs/cfg"
)

var (
	cfgFile string
	bindErr error
)

var rootCmd = &cobra.Command{
	Use:   "sectorfs",
	Short: "Inspect and manipulate a sectorfs block-device image",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return bindErr
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(formatCmd, checkCmd, lsCmd, catCmd, touchCmd)
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	c, err := cfg.LoadFile(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.ApplyDefaults(c)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
