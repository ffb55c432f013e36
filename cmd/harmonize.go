package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"go-improv/harmonizer"
	"go-improv/midi"
)

var (
	harmonizeIn  string
	harmonizeOut string
)

var harmonizeCmd = &cobra.Command{
	Use:   "harmonize",
	Short: "Relay MIDI, fitting melody and bass notes to the held chord",
	Long: `Relay messages from one port to another, remapping melody and bass
notes onto tones of the chord currently held on the chord channel.
Ports that do not exist are created as virtual ports.`,
	RunE: runHarmonize,
}

func init() {
	harmonizeCmd.Flags().StringVar(&harmonizeIn, "in", "vPort Harmonizer IN", "input port name")
	harmonizeCmd.Flags().StringVar(&harmonizeOut, "out", "vPort Harmonizer OUT", "output port name")
	rootCmd.AddCommand(harmonizeCmd)
}

func runHarmonize(cmd *cobra.Command, args []string) error {
	ports, err := midi.OpenPorts()
	if err != nil {
		return err
	}
	defer ports.Close()

	out, err := ports.Output(harmonizeOut)
	if err != nil {
		return err
	}

	h := harmonizer.New(out, func(original, fitted midi.Message) {
		if original.IsNote() && original.Note != fitted.Note {
			log.Debug("fitted note", "from", original.Note, "to", fitted.Note)
		}
	})
	if err := ports.Input(harmonizeIn, func(m midi.Message) {
		if err := h.HandleMessage(m); err != nil {
			log.Error("relay failed", "err", err)
		}
	}); err != nil {
		return err
	}

	log.Info("harmonizer running", "in", harmonizeIn, "out", harmonizeOut)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	return nil
}
