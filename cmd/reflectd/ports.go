package main

import (
	"context"
	"log"

	"github.com/mbiselx/reflectance-measure/angle"
	"github.com/mbiselx/reflectance-measure/daq"
	"github.com/mbiselx/reflectance-measure/daq/labjack"
	"github.com/mbiselx/reflectance-measure/internal/config"
	"github.com/mbiselx/reflectance-measure/stage"
	"github.com/mbiselx/reflectance-measure/stage/esp300"
)

// ports are the two instrument connections a command drives.
type ports struct {
	motion stage.Controller
	acq    daq.Acquirer
}

// openPorts connects the stage and the DAQ, real or simulated. The
// simulators live for the length of ctx.
func openPorts(ctx context.Context, cfg *config.Config, sim bool, stageCB stage.StatusCallback, daqCB daq.StatusCallback) (*ports, error) {
	travel := stage.TravelRange{
		Min: angle.Device(cfg.StageMinAngle),
		Max: angle.Device(cfg.StageMaxAngle),
	}

	if sim {
		stageSim, conn := esp300.NewSimulator()
		go func() {
			if err := stageSim.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("stage simulator: %v", err)
			}
		}()
		// The simulator only carries a stage on axis 1.
		motion := esp300.New(ctx, conn, esp300.Config{Axis: 1, Travel: travel}, stageCB)

		daqSim, err := labjack.NewSimulator()
		if err != nil {
			return nil, err
		}
		// The simulated detector sits at 1V.
		daqSim.SetVoltage(cfg.DAQChannel, 1.0)
		go func() {
			if err := daqSim.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("daq simulator: %v", err)
			}
		}()
		acq, err := labjack.Connect(ctx, labjack.Config{Address: daqSim.Addr()}, daqCB)
		if err != nil {
			return nil, err
		}
		log.Print("using simulated instruments")
		return &ports{motion: motion, acq: acq}, nil
	}

	motion, err := esp300.Connect(ctx, esp300.Config{
		Port:   cfg.StagePort,
		Baud:   cfg.StageBaud,
		Axis:   cfg.StageAxis,
		Travel: travel,
	}, stageCB)
	if err != nil {
		return nil, err
	}
	acq, err := labjack.Connect(ctx, labjack.Config{
		Address:       cfg.DAQAddress,
		UnitID:        byte(cfg.DAQUnitID),
		Range:         cfg.DAQRange,
		MaxSampleRate: cfg.DAQMaxSampleRate,
		Grace:         cfg.DAQGrace,
	}, daqCB)
	if err != nil {
		return nil, err
	}
	return &ports{motion: motion, acq: acq}, nil
}
