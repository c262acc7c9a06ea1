package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/locoio"
)

const defaultTickInterval = "20ms"

var (
	Version string
	Build   string

	config       = flag.String("config", "config.json", "path of the configuration file")
	flagInstall  = flag.Bool("install", false, "Install service in os")
	tickInterval = flag.String("tick", defaultTickInterval, "dispatcher tick interval (time.Duration)")
	debug        = flag.Bool("debug", false, "enable frame trace logging")

	locoioService = servicemaker.ServiceMaker{
		User:               "locoio",
		UserGroups:         []string{"gpio", "i2c"},
		ServicePath:        "/etc/systemd/system/locoio.service",
		ServiceDescription: "LocoIO service: configurable 16 channel LocoNet I/O node. github.com/hubertat/locoio",
		ExecDir:            "/srv/locoio",
		ExecName:           "locoio",
	}
)

func main() {
	log.Printf("locoio %s started\n", Version)
	flag.Parse()

	if *debug {
		charmlog.SetLevel(charmlog.DebugLevel)
	}

	if *flagInstall {
		err := locoioService.InstallService()
		if err != nil {
			panic(err)
		} else {
			log.Print("service installed!")
			return
		}
	}

	tickDuration, err := time.ParseDuration(*tickInterval)
	if err != nil {
		panic(err)
	}

	node := &locoio.LocoIO{}
	configFile, err := os.Open(*config)
	if err == nil {
		cBuff, err := io.ReadAll(configFile)
		if err != nil {
			log.Fatalf("failed reading config file: %v\n", err)
		}

		err = json.Unmarshal(cBuff, node)
		if err != nil {
			log.Fatalf("failed unmarshalling json config: %v", err)
		}
	} else {
		log.Fatalf("can't find/open config file (%s), will terminate. Reason: \n%v\n", *config, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		signal.Stop(c)
		cancel()
	}()

	log.Print("will init locoio node...")
	err = node.Init(ctx)
	defer node.Close()
	if err != nil {
		panic(err)
	}

	log.Print("connecting to mqtt broker...")
	err = node.ConnectMqtt(ctx)
	if err != nil {
		panic(err)
	}

	err = node.StartHTTP()
	if err != nil {
		log.Printf("diagnostics http server failed to start: %v\n we will proceed...", err)
	}

	log.Print("node running")
	err = node.Run(ctx, tickDuration)
	if err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}
