package main

import (
	"os"
	"path/filepath"

	"github.com/RoanBrand/speedwatch/internal/config"
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "speedwatch",
	Short:        "Report vehicle speeds above a threshold to an MQTT broker",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path of config file (default config.json next to the executable)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file given with -c, or config.json next to the executable if there is one.
func loadConfig() (*config.Config, string, error) {
	path := cfgPath
	if path == "" {
		if ePath, err := os.Executable(); err == nil {
			toTry := filepath.Join(filepath.Dir(ePath), "config.json")
			if fileExists(toTry) {
				path = toTry
			}
		}
	}

	c, err := config.Load(path)
	return c, path, err
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
