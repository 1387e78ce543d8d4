package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/RoanBrand/speedwatch/internal/model"
	"github.com/RoanBrand/speedwatch/internal/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the journaled speed reports",
	RunE:  history,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "print at most this many reports")
	rootCmd.AddCommand(historyCmd)
}

var errLimit = errors.New("limit reached")

func history(cmd *cobra.Command, args []string) error {
	conf, _, err := loadConfig()
	if err != nil {
		return err
	}
	if conf.Store.Dir == "" {
		return errors.New("no store dir configured")
	}

	j, err := store.Open(conf.Store.Dir)
	if err != nil {
		return err
	}
	defer j.Close()

	n := 0
	err = j.Reports(func(seq uint64, r *model.SpeedReport) error {
		if historyLimit > 0 && n == historyLimit {
			return errLimit
		}
		n++
		fmt.Fprintf(os.Stdout, "%6d %s %s %s\n",
			seq,
			color.GreenString(r.Timestamp),
			color.RedString("%.1f %s", r.Speed, r.Unit),
			r.VehicleID)
		return nil
	})
	if err != nil && err != errLimit {
		return err
	}

	if n == 0 {
		fmt.Fprintln(os.Stdout, "no reports")
	}
	return nil
}
