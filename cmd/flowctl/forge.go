package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// forge manages the local workflow definition store: listing installed
// definitions and fetching new ones from an http(s) URL.
var forgeCmd = &cobra.Command{
	Use:   "forge",
	Short: "manage workflow definitions",
}

var forgeDir string

var forgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "list installed workflow definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := os.ReadDir(forgeDir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".toml" {
				names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
			}
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var forgeFetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "download a workflow definition into the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		name := filepath.Base(url)
		if filepath.Ext(name) != ".toml" {
			return fmt.Errorf("forge: %q does not name a .toml definition", url)
		}
		if err := os.MkdirAll(forgeDir, 0o755); err != nil {
			return err
		}

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("forge: fetch %q: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("forge: fetch %q: status %s", url, resp.Status)
		}

		dest := filepath.Join(forgeDir, name)
		f, err := os.CreateTemp(forgeDir, name+".part-*")
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			os.Remove(f.Name())
			return err
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return err
		}
		if err := os.Rename(f.Name(), dest); err != nil {
			os.Remove(f.Name())
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dest)
		return nil
	},
}

func defaultForgeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "workflows"
	}
	return filepath.Join(home, ".flowctl", "workflows")
}

func init() {
	forgeCmd.PersistentFlags().StringVar(&forgeDir, "dir", defaultForgeDir(), "workflow definition store")
	forgeCmd.AddCommand(forgeListCmd, forgeFetchCmd)
}
