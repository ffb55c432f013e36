package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-improv/midi"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List available MIDI ports",
	RunE:  runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := midi.OpenPorts()
	if err != nil {
		return err
	}
	defer ports.Close()

	fmt.Println("=== MIDI Input Ports ===")
	ins := ports.InNames()
	if len(ins) == 0 {
		fmt.Println("(none)")
	}
	for i, name := range ins {
		fmt.Printf("[%d] %s\n", i, name)
	}

	fmt.Println()
	fmt.Println("=== MIDI Output Ports ===")
	outs := ports.OutNames()
	if len(outs) == 0 {
		fmt.Println("(none)")
	}
	for i, name := range outs {
		fmt.Printf("[%d] %s\n", i, name)
	}
	return nil
}
