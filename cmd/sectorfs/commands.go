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

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sectorfs/sectorfs/fs"
	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/sectorfs/sectorfs/internal/logger"
)

func openFS(devicePath string, sectors uint32, format bool) (*sectorfs.FileSystem, *blockdevice.FileDevice) {
	severity := viper.GetString("log.severity")
	if severity == "" {
		severity = "INFO"
	}
	logger.Init(severity, viper.GetString("log.format"))
	if logPath := viper.GetString("log.file-path"); logPath != "" {
		if err := logger.InitLogFile(logPath, logger.DefaultRotateConfig()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if !format && viper.GetBool("device.format") {
		format = true
		sectors = viper.GetUint32("device.sectors")
	}

	dev, err := blockdevice.OpenFileDevice(devicePath, sectors, format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return sectorfs.Init(dev, format), dev
}

var formatCmd = &cobra.Command{
	Use:   "format <device-file>",
	Short: "Create a new sectorfs image at the given path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sectors := viper.GetUint32("device.sectors")
		if sectors == 0 {
			sectors = 8192
		}
		fsys, dev := openFS(args[0], sectors, true)
		fsys.Done()
		return dev.Close()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <device-file>",
	Short: "Mount and report free/used sector counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, dev := openFS(args[0], 0, false)
		defer dev.Close()
		defer fsys.Done()

		total := dev.SectorCount()
		free := fsys.FreeSectors()
		fmt.Printf("sectors: %d total, %d used, %d free\n", total, total-free, free)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <device-file> <path>",
	Short: "List a directory's entries",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, dev := openFS(args[0], 0, false)
		defer dev.Close()
		defer fsys.Done()

		h, err := fsys.OpenByPath(fsys.Root(), args[1])
		if err != nil {
			return err
		}
		defer h.Close()

		for {
			name, ok := h.Readdir()
			if !ok {
				break
			}
			fmt.Println(name)
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <device-file> <path>",
	Short: "Print a file's contents to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, dev := openFS(args[0], 0, false)
		defer dev.Close()
		defer fsys.Done()

		h, err := fsys.OpenByPath(fsys.Root(), args[1])
		if err != nil {
			return err
		}
		defer h.Close()

		buf := make([]byte, 4096)
		for {
			n, err := h.Read(buf)
			if n > 0 {
				if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if n == 0 || err == io.EOF {
				break
			}
		}
		return nil
	},
}

var touchCmd = &cobra.Command{
	Use:   "touch <device-file> <path>",
	Short: "Create an empty file at path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, dev := openFS(args[0], 0, false)
		defer dev.Close()
		defer fsys.Done()

		return fsys.Create(fsys.Root(), args[1], 0, false)
	},
}
