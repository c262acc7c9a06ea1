package locoio

import (
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"
)

const defaultMeasurement = "sensor"

// Recorder writes one point per reported input transition to InfluxDB,
// building an occupancy history. Optional; write failures are logged
// and never reach the protocol path.
type Recorder struct {
	Host         string
	Token        string
	Organization string
	Bucket       string
	Measurement  string

	client influxdb2.Client
	write  api.WriteAPI
	logger *log.Logger
}

func (rec *Recorder) Setup() error {
	if len(rec.Host) == 0 || len(rec.Bucket) == 0 {
		return errors.New("influx recorder needs at least Host and Bucket set")
	}
	if len(rec.Measurement) == 0 {
		rec.Measurement = defaultMeasurement
	}

	rec.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "InfluxRecorder: ",
		Level:  log.GetLevel(),
	})

	rec.client = influxdb2.NewClient(rec.Host, rec.Token)
	rec.write = rec.client.WriteAPI(rec.Organization, rec.Bucket)

	go func() {
		for err := range rec.write.Errors() {
			rec.logger.Warn("failed writing sensor point", "err", err)
		}
	}()

	return nil
}

// RecordSensor queues one point on the client's background batcher, so
// the polling loop never waits on Influx.
func (rec *Recorder) RecordSensor(index int, address uint16, state bool) {
	point := influxdb2.NewPoint(rec.Measurement,
		map[string]string{
			"channel": strconv.Itoa(index),
			"address": strconv.Itoa(int(address)),
		},
		map[string]interface{}{
			"state": state,
		},
		time.Now())

	rec.write.WritePoint(point)
}

func (rec *Recorder) Close() {
	if rec.client != nil {
		rec.client.Close()
	}
}
