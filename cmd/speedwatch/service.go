package main

import (
	"fmt"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

var serviceCmd = &cobra.Command{
	Use:       "service <action>",
	Short:     "Control the speedwatch system service",
	Args:      cobra.ExactArgs(1),
	ValidArgs: service.ControlAction[:],
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(&program{})
		if err != nil {
			return err
		}

		if err := service.Control(s, args[0]); err != nil {
			return fmt.Errorf("%w (valid actions: %q)", err, service.ControlAction)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
}

func newService(prg *program) (service.Service, error) {
	args := []string{"run"}
	if cfgPath != "" {
		p, err := filepath.Abs(cfgPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "-c", p)
	}

	return service.New(prg, &service.Config{
		Name:        "speedwatch",
		DisplayName: "speedwatch speed reporter",
		Description: "Reports vehicle speeds above a threshold to an MQTT broker.",
		Arguments:   args,
	})
}
