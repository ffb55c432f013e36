package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"go-improv/config"
	"go-improv/hub"
	"go-improv/interaction"
	"go-improv/midi"
)

var jamCmd = &cobra.Command{
	Use:   "jam",
	Short: "Start an interactive performance session",
	Long: `Start the full engine: MIDI input is captured and answered with
generated material for melody, bass, chords and drums, following the
song structure from the config file.

Ports, channel policy, control bindings and the song structure are read
from ` + "`~/.config/go-improv/config.json`" + `; missing ports are created as
virtual ports. Stop with Ctrl+C.`,
	RunE: runJam,
}

func init() {
	rootCmd.AddCommand(jamCmd)
}

func runJam(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ports, err := midi.OpenPorts()
	if err != nil {
		return err
	}
	defer ports.Close()

	out, err := ports.Outputs(cfg.Ports.Outputs...)
	if err != nil {
		return err
	}

	texture := hub.Polyphonic
	if cfg.Texture == config.TextureMonophonic {
		texture = hub.Monophonic
	}
	h := hub.New(out, texture, cfg.Engine.Passthrough, cfg.Engine.PlaybackOffset)
	for _, name := range cfg.Ports.Inputs {
		if err := ports.Input(name, h.HandleMessage); err != nil {
			return err
		}
	}

	inter, err := interaction.New(h, []interaction.Generator{interaction.EchoGenerator{}}, interaction.Config{
		QPM:              cfg.Engine.QPM,
		Structure:        cfg.Structure(),
		TickDuration:     cfg.Engine.TickDuration,
		ChordPassthrough: cfg.Engine.ChordPassthrough,
		MetronomeChannel: cfg.Engine.MetronomeChannel,

		GeneratorSelectControl: cfg.Controls.GeneratorSelect,
		TempoControl:           cfg.Controls.Tempo,
		TemperatureControl:     cfg.Controls.Temperature,
		MinListenTicksControl:  cfg.Controls.MinListenTicks,
		MaxListenTicksControl:  cfg.Controls.MaxListenTicks,
		ResponseTicksControl:   cfg.Controls.ResponseTicks,
		LoopControl:            cfg.Controls.Loop,
		StateControl:           cfg.Controls.State,
	})
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("shutting down")
		inter.Stop()
	}()

	log.Info("session started", "inputs", cfg.Ports.Inputs, "outputs", cfg.Ports.Outputs)
	runErr := inter.Run()
	h.Stop()
	return runErr
}
