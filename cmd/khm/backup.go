// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/toeirei/khm/internal/engine"
	"github.com/toeirei/khm/internal/i18n"
	"github.com/toeirei/khm/internal/logging"
	"github.com/toeirei/khm/internal/model"
)

func newBackupCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a compressed (zstd) JSON backup of the key table",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			data, err := engine.New(store).Export(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeCompressedBackup(output, data); err != nil {
				return err
			}
			logging.Infof("%s", i18n.T("backup.written", output, len(data.Records)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "khm-backup.json.zst", "backup file to write")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var input string
	var replace bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the key table from a zstd JSON backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readCompressedBackup(input)
			if err != nil {
				return err
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			count, err := engine.New(store).Import(cmd.Context(), data, replace)
			if err != nil {
				return err
			}
			logging.Infof("%s", i18n.T("backup.restored", count, input))
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "backup file to read")
	cmd.Flags().BoolVar(&replace, "replace", false, "wipe the key table before restoring")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// writeCompressedBackup handles the process of writing the backup data to a
// zstd-compressed file.
func writeCompressedBackup(path string, data *model.BackupData) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create backup file: %w", err)
	}
	defer file.Close()

	zstdWriter, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}

	if err := json.NewEncoder(zstdWriter).Encode(data); err != nil {
		zstdWriter.Close()
		return fmt.Errorf("could not encode backup data: %w", err)
	}
	return zstdWriter.Close()
}

// readCompressedBackup handles reading and decoding a zstd-compressed JSON
// backup file.
func readCompressedBackup(path string) (*model.BackupData, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open backup file: %w", err)
	}
	defer file.Close()

	zstdReader, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer zstdReader.Close()

	var data model.BackupData
	if err := json.NewDecoder(zstdReader).Decode(&data); err != nil {
		return nil, fmt.Errorf("could not decode json from zstd reader: %w", err)
	}
	return &data, nil
}
