package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbiselx/reflectance-measure/angle"
	"github.com/mbiselx/reflectance-measure/internal/config"
	"github.com/mbiselx/reflectance-measure/sweep"
)

// NewRunCommand performs one sweep from the command line and writes the
// results as CSV.
func NewRunCommand(ctx context.Context) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one sweep and writes an angle/intensity CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			start, _ := flags.GetFloat64("start")
			end, _ := flags.GetFloat64("end")
			step, _ := flags.GetFloat64("step")
			pointsArg, _ := flags.GetString("points")
			samples, _ := flags.GetInt("samples")
			rate, _ := flags.GetFloat64("rate")
			settle, _ := flags.GetDuration("settle")
			settleTimeout, _ := flags.GetDuration("settle-timeout")
			averaging, _ := flags.GetString("averaging")
			continueOnFault, _ := flags.GetBool("continue-on-fault")
			home, _ := flags.GetBool("home")
			out, _ := flags.GetString("out")
			sim, _ := flags.GetBool("sim")
			channel, _ := flags.GetInt("channel")

			cfg := config.Load()
			if channel < 0 {
				channel = cfg.DAQChannel
			}

			var points []angle.User
			if pointsArg != "" {
				for _, field := range strings.Split(pointsArg, ",") {
					v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
					if err != nil {
						return fmt.Errorf("parsing --points: %w", err)
					}
					points = append(points, angle.User(v))
				}
			} else {
				points = sweep.PointsBetween(start, end, step)
			}

			avg, err := sweep.ParseAveraging(averaging)
			if err != nil {
				return err
			}
			plan := sweep.Plan{
				Points:          points,
				SettleTimeout:   settleTimeout,
				SettleTime:      settle,
				SamplesPerPoint: samples,
				SampleRate:      rate,
				Channel:         channel,
				Averaging:       avg,
				ContinueOnFault: continueOnFault,
				HomeFirst:       home,
			}

			w := os.Stdout
			if out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			p, err := openPorts(ctx, cfg, sim, nil, nil)
			if err != nil {
				return err
			}
			sess, err := sweep.New(p.motion, p.acq).Run(ctx, plan, func(done, total int) {
				log.Printf("sweep: %d/%d points", done, total)
			})
			if err != nil {
				return err
			}

			written, err := writeCSV(w, sess.Stream())
			if err != nil {
				return err
			}

			switch sess.State() {
			case sweep.Completed:
				log.Printf("sweep completed: %d of %d points written", written, len(points))
				return nil
			case sweep.Aborted:
				return fmt.Errorf("sweep aborted after %d of %d points", written, len(points))
			default:
				return fmt.Errorf("sweep %s after %d of %d points: %w",
					sess.State(), written, len(points), sess.Err())
			}
		},
	}
	runCmd.Flags().Float64("start", 0, "first angle in degrees")
	runCmd.Flags().Float64("end", 90, "last angle in degrees")
	runCmd.Flags().Float64("step", 1, "angle increment in degrees")
	runCmd.Flags().String("points", "", "comma-separated angles, overriding start/end/step")
	runCmd.Flags().Int("samples", 10, "samples per point")
	runCmd.Flags().Float64("rate", 100, "sample rate in Hz")
	runCmd.Flags().Duration("settle", 0, "extra dwell after motion settles")
	runCmd.Flags().Duration("settle-timeout", sweep.DefaultSettleTimeout, "bound on waiting for motion complete")
	runCmd.Flags().String("averaging", "mean", "averaging policy: mean, median or none")
	runCmd.Flags().Bool("continue-on-fault", false, "keep sweeping past point-local faults")
	runCmd.Flags().Bool("home", false, "home the stage before the first point")
	runCmd.Flags().String("out", "-", "output CSV path, - for stdout")
	runCmd.Flags().Bool("sim", false, "drive simulated instruments instead of hardware")
	runCmd.Flags().Int("channel", -1, "analog input channel (overrides DAQ_CHANNEL)")
	return runCmd
}

// writeCSV streams records to w as angle/intensity rows, skipping failed
// points. Each row is flushed as it arrives so an interrupted sweep
// keeps its partial results.
func writeCSV(w io.Writer, records <-chan sweep.Record) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"angle [deg]", "intensity [V]"}); err != nil {
		return 0, err
	}
	cw.Flush()
	written := 0
	for rec := range records {
		if rec.Status == sweep.StatusFailed {
			log.Printf("point %d (%.4f deg): %v", rec.Index, rec.Angle, rec.Fault)
			continue
		}
		if err := cw.Write([]string{
			strconv.FormatFloat(rec.Angle, 'f', 4, 64),
			strconv.FormatFloat(rec.Value, 'g', -1, 64),
		}); err != nil {
			return written, err
		}
		cw.Flush()
		written++
	}
	return written, cw.Error()
}
