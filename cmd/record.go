package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"go-improv/midi"
	"go-improv/recorder"
)

var (
	recordIn   string
	recordOut  string
	recordFile string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Relay MIDI while recording it to a standard MIDI file",
	Long: `Relay messages from one port to another, capturing the performance
channels into a MIDI file written on exit.`,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringVar(&recordIn, "in", "vPort Recorder IN", "input port name")
	recordCmd.Flags().StringVar(&recordOut, "out", "vPort Recorder OUT", "output port name")
	recordCmd.Flags().StringVarP(&recordFile, "file", "f", "recording.mid", "output MIDI file")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	ports, err := midi.OpenPorts()
	if err != nil {
		return err
	}
	defer ports.Close()

	out, err := ports.Output(recordOut)
	if err != nil {
		return err
	}

	rec := recorder.New(out, nil)
	if err := rec.Start(); err != nil {
		return err
	}
	if err := ports.Input(recordIn, func(m midi.Message) {
		if err := rec.HandleMessage(m); err != nil {
			log.Error("relay failed", "err", err)
		}
	}); err != nil {
		return err
	}

	log.Info("recording", "in", recordIn, "out", recordOut, "file", recordFile)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	return rec.Save(recordFile)
}
