package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/loggo"
	"github.com/pkg/errors"

	"ev-smartcharge/accessory"
	"ev-smartcharge/bus"
	"ev-smartcharge/config"
	"ev-smartcharge/controller"
	"ev-smartcharge/metrics"
	"ev-smartcharge/setpoint"
	evsignal "ev-smartcharge/signal"
	"ev-smartcharge/telemetry"
	"ev-smartcharge/util"
	"ev-smartcharge/vehicle/bridge"
	"ev-smartcharge/vehicle/common"
)

var log = loggo.GetLogger("evsc.cmd")

func newSignalSource(ctx context.Context, cfg config.SmartCharging) (evsignal.Source, common.BasicWorker, error) {
	if cfg.SignalSource == config.SignalSourceDBus {
		src, err := evsignal.NewDBusSource(ctx, cfg.DBus)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating dbus source")
		}
		return src, src, nil
	}
	return evsignal.NewHTTPSource(cfg.EnergyDataSource), nil, nil
}

func connectAccessories(cfg config.Accessories) (mqtt.Client, error) {
	opts, err := cfg.MQTT.ClientOptions("accessories")
	if err != nil {
		return nil, errors.Wrap(err, "fetching client options")
	}
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Infof("Connected to %s", cfg.MQTT.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Infof("Connection to %s has been lost: %q", cfg.MQTT.Broker, err)
	})
	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	token.Wait()
	if token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "connecting to broker")
	}
	return cli, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgFile := flag.String("config", "", "ev-smartcharge config file")
	flag.Parse()

	if *cfgFile == "" {
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.NewConfig(*cfgFile)
	if err != nil {
		log.Errorf("error parsing config: %q", err)
		os.Exit(1)
	}

	if err := util.SetupLogging(cfg); err != nil {
		log.Errorf("error setting up logging: %q", err)
		os.Exit(1)
	}

	var workers []common.BasicWorker
	defer func() {
		for i := len(workers) - 1; i >= 0; i-- {
			if err := workers[i].Stop(); err != nil {
				log.Errorf("failed to stop worker: %q", err)
			}
		}
	}()

	if cfg.MetricsAddress != "" {
		srv := metrics.NewServer(ctx, cfg.MetricsAddress)
		if err := srv.Start(); err != nil {
			log.Errorf("starting metrics server: %q", err)
			return
		}
		workers = append(workers, srv)
	}

	eventBus := bus.NewBus(bus.WithFailureHook(metrics.BusFailureHook))
	store := telemetry.NewStore(eventBus)

	vehicle, err := bridge.NewWorker(ctx, cfg.Vehicle, store)
	if err != nil {
		log.Errorf("error creating vehicle worker: %q", err)
		return
	}
	if err := vehicle.Start(); err != nil {
		log.Errorf("starting vehicle worker: %q", err)
		return
	}
	workers = append(workers, vehicle)
	commander := vehicle.Commander()

	source, sourceWorker, err := newSignalSource(ctx, cfg.SmartCharging)
	if err != nil {
		log.Errorf("error creating signal source: %q", err)
		return
	}
	if sourceWorker != nil {
		if err := sourceWorker.Start(); err != nil {
			log.Errorf("starting signal source: %q", err)
			return
		}
		workers = append(workers, sourceWorker)
	}

	ctrl := controller.NewController(ctx, cfg.SmartCharging, store, source, commander)
	defer ctrl.Close()

	accClient, err := connectAccessories(cfg.Accessories)
	if err != nil {
		log.Errorf("error connecting accessories: %q", err)
		return
	}
	defer accClient.Disconnect(1000)

	var acc *accessory.Bridge
	debouncer := setpoint.NewDebouncer(commander, store, cfg.Accessories.Debounce(), func(soc float64, known bool) {
		acc.ShowSOC(soc, known)
	})
	defer debouncer.Stop()

	acc = accessory.NewBridge(ctx, util.NewMQTTClient(accClient), cfg.Accessories.BaseTopic, eventBus, store, ctrl, commander, debouncer,
		accessory.WithTriggers(cfg.Accessories.Triggers, cfg.Accessories.Reset()))

	if cfg.SmartCharging.ArmOnStart {
		if err := ctrl.Arm(); err != nil {
			log.Errorf("failed to arm smart charging: %q", err)
		}
	}

	if err := acc.Start(); err != nil {
		log.Errorf("starting accessory bridge: %q", err)
		return
	}
	workers = append(workers, acc)

	<-ctx.Done()
	log.Infof("shutting down")
}
