package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/camplug/internal/config"
	"github.com/jmylchreest/camplug/internal/sensor"
	"github.com/jmylchreest/camplug/internal/synthetic"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

type sensorFlags struct {
	samples int
	rate    int
	timeout time.Duration
}

func newSensorCmd(a *app) *cobra.Command {
	var fl sensorFlags

	cmd := &cobra.Command{
		Use:   "sensor",
		Short: "Read samples from the synthetic inertial sensor",
		Long: `Run the built-in synthetic accelerometer and gyro through the sensor
lifecycle: initialise, report rate and bias, start, read --samples samples,
then stop and tear down.`,
		Example: `  camplug sensor --samples 100 --rate 400`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSensor(cmd, fl)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&fl.samples, "samples", "n", 20, "samples to read")
	flags.IntVar(&fl.rate, "rate", synthetic.DefaultSensorRate, "sampling rate in Hz")
	flags.DurationVar(&fl.timeout, "timeout", config.DefaultTimeout, "maximum wait for each sample")
	return cmd
}

type sensorAxis struct {
	Type string     `json:"type"`
	Rate int        `json:"rate_hz"`
	Bias [3]float32 `json:"bias"`
	Read int        `json:"samples"`
	Mean [3]float32 `json:"mean"`
}

type sensorResult struct {
	Module   string       `json:"module"`
	SensorID string       `json:"sensor_id"`
	Samples  int          `json:"samples"`
	First    uint64       `json:"first_ts"`
	Last     uint64       `json:"last_ts"`
	Dropped  uint64       `json:"dropped"`
	Axes     []sensorAxis `json:"sensors"`
}

func (a *app) runSensor(cmd *cobra.Command, fl sensorFlags) error {
	if fl.samples <= 0 {
		return fmt.Errorf("%w: --samples must be positive", plugin.ErrInvalidParam)
	}
	if fl.rate <= 0 {
		return fmt.Errorf("%w: --rate must be positive", plugin.ErrInvalidParam)
	}

	ctx := cmd.Context()
	mod := synthetic.NewSensor(synthetic.SensorConfig{Rate: fl.rate, Logger: a.logger})
	src, err := sensor.New(mod, sensor.Options{Name: synthetic.SensorName, Logger: a.logger})
	if err != nil {
		return err
	}
	res, err := readSensor(ctx, src, fl)
	if derr := src.Deinit(ctx); derr != nil && err == nil {
		err = derr
	}
	if err != nil {
		return err
	}
	res.Module = synthetic.SensorName
	res.Dropped = src.Stats().Dropped

	out := cmd.OutOrStdout()
	if !a.useTable(out) {
		return writeJSON(out, res)
	}
	table := NewTable("SENSOR", "RATE", "SAMPLES", "BIAS", "MEAN")
	for _, ax := range res.Axes {
		table.AddRow(ax.Type, strconv.Itoa(ax.Rate), strconv.Itoa(ax.Read), formatVec(ax.Bias), formatVec(ax.Mean))
	}
	return table.Write(out)
}

func readSensor(ctx context.Context, src *sensor.Source, fl sensorFlags) (sensorResult, error) {
	res := sensorResult{SensorID: src.ID()}
	if err := src.Init(ctx); err != nil {
		return res, err
	}

	types := []plugin.SensorType{plugin.SensorAccel, plugin.SensorGyro}
	sums := make([][3]float64, len(types))
	res.Axes = make([]sensorAxis, len(types))
	for i, t := range types {
		rate, err := src.Rate(ctx, t)
		if err != nil {
			return res, err
		}
		bias, err := src.Bias(ctx, t)
		if err != nil {
			return res, err
		}
		res.Axes[i] = sensorAxis{Type: t.String(), Rate: rate, Bias: bias}
	}

	if err := src.Start(ctx); err != nil {
		return res, err
	}
	for range fl.samples {
		wait, cancel := context.WithTimeout(ctx, fl.timeout)
		s, err := src.Next(wait)
		cancel()
		if err != nil {
			return res, fmt.Errorf("reading sample %d: %w", res.Samples+1, err)
		}
		if res.Samples == 0 {
			res.First = s.Timestamp
		}
		res.Last = s.Timestamp
		res.Samples++

		i := int(s.Type)
		res.Axes[i].Read++
		for k, v := range s.Values {
			sums[i][k] += float64(v)
		}
	}
	for i := range res.Axes {
		if n := res.Axes[i].Read; n > 0 {
			for k := range sums[i] {
				res.Axes[i].Mean[k] = float32(sums[i][k] / float64(n))
			}
		}
	}
	return res, src.Stop(ctx)
}

func formatVec(v [3]float32) string {
	return fmt.Sprintf("%.4f,%.4f,%.4f", v[0], v[1], v[2])
}
