package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/loggo"
	"github.com/pkg/errors"

	"ev-smartcharge/config"
	"ev-smartcharge/telemetry"
	"ev-smartcharge/util"
	"ev-smartcharge/vehicle/bridge/client"
	"ev-smartcharge/vehicle/common"
)

var log = loggo.GetLogger("evsc.bridge")

type statusFetcher interface {
	Status(ctx context.Context) ([]byte, error)
}

// NewWorker returns a worker that keeps store up to date with the state
// reported by the vehicle bridge.
func NewWorker(ctx context.Context, cfg config.Vehicle, store *telemetry.Store) (*Worker, error) {
	w := &Worker{
		ctx:              ctx,
		cfg:              cfg,
		store:            store,
		closed:           make(chan struct{}),
		quit:             make(chan struct{}),
		mqttDisconnected: make(chan struct{}),
		statusTopic:      fmt.Sprintf("%s/status", cfg.BaseTopic),
	}
	if cfg.Transport == config.TransportHTTP {
		w.fetcher = client.NewHTTPCommander(cfg.Address, cfg.VIN, cfg.Username, cfg.Password)
	}
	return w, nil
}

type Worker struct {
	ctx    context.Context
	closed chan struct{}
	quit   chan struct{}

	cfg   config.Vehicle
	store *telemetry.Store

	fetcher statusFetcher

	mux              sync.Mutex
	client           mqtt.Client
	mqttDisconnected chan struct{}
	statusTopic      string
}

// Commander returns the command channel matching the configured transport.
func (w *Worker) Commander() common.VehicleCommander {
	if h, ok := w.fetcher.(*client.HTTPCommander); ok {
		return h
	}
	return NewMQTTCommander(w, w.cfg.VIN, w.cfg.BaseTopic)
}

// Publish sends payload over the current broker connection.
func (w *Worker) Publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	w.mux.Lock()
	cli := w.client
	w.mux.Unlock()
	if cli == nil || !cli.IsConnected() {
		return fmt.Errorf("not connected to %s", w.cfg.MQTT.Broker)
	}
	return util.NewMQTTClient(cli).Publish(ctx, topic, retained, payload)
}

func (w *Worker) handleStatus(payload []byte) error {
	snap, err := decodeStatus(payload)
	if err != nil {
		return err
	}
	w.store.Replace(snap)
	return nil
}

func (w *Worker) mqttOnConnect(_ mqtt.Client) {
	log.Infof("Connected to %s", w.cfg.MQTT.Broker)
}

func (w *Worker) mqttConnectionLostHandler(_ mqtt.Client, err error) {
	log.Infof("Connection to %s has been lost: %q", w.cfg.MQTT.Broker, err)
	w.mux.Lock()
	defer w.mux.Unlock()
	select {
	case <-w.mqttDisconnected:
	default:
		close(w.mqttDisconnected)
	}
}

func (w *Worker) mqttNewMessageHandler(_ mqtt.Client, msg mqtt.Message) {
	if msg.Topic() != w.statusTopic {
		log.Debugf("got new message on topic %v; configured topic is %v", msg.Topic(), w.statusTopic)
		return
	}
	if err := w.handleStatus(msg.Payload()); err != nil {
		log.Errorf("failed to handle status: %q", err)
	}
}

func (w *Worker) connectMQTT() (mqtt.Client, error) {
	opts, err := w.cfg.MQTT.ClientOptions("vehicle")
	if err != nil {
		return nil, errors.Wrap(err, "fetching client options")
	}
	opts.AutoReconnect = false
	opts.OnConnect = w.mqttOnConnect
	opts.OnConnectionLost = w.mqttConnectionLostHandler
	cli := mqtt.NewClient(opts)

	w.mux.Lock()
	w.mqttDisconnected = make(chan struct{})
	w.mux.Unlock()

	token := cli.Connect()
	token.Wait()
	if token.Error() != nil {
		return nil, token.Error()
	}
	log.Infof("subscribing to %s", w.statusTopic)
	token = cli.Subscribe(w.statusTopic, 1, w.mqttNewMessageHandler)
	token.Wait()
	if token.Error() != nil {
		cli.Disconnect(250)
		return nil, errors.Wrap(token.Error(), "subscribing to topic")
	}
	return cli, nil
}

func (w *Worker) setClient(cli mqtt.Client) {
	w.mux.Lock()
	defer w.mux.Unlock()
	w.client = cli
}

func (w *Worker) disconnected() chan struct{} {
	w.mux.Lock()
	defer w.mux.Unlock()
	return w.mqttDisconnected
}

func (w *Worker) loopMQTT() {
	defer func() {
		w.mux.Lock()
		if w.client != nil {
			w.client.Disconnect(1000)
		}
		w.mux.Unlock()
		close(w.closed)
	}()
	for {
		w.mux.Lock()
		connected := w.client != nil
		w.mux.Unlock()

		if !connected {
			cli, err := w.connectMQTT()
			if err != nil {
				log.Errorf("failed to connect to mqtt: %q", err)
				select {
				case <-time.After(5 * time.Second):
					continue
				case <-w.ctx.Done():
					return
				case <-w.quit:
					return
				}
			}
			w.setClient(cli)
		}

		select {
		case <-w.ctx.Done():
			return
		case <-w.quit:
			return
		case <-w.disconnected():
			w.setClient(nil)
		}
	}
}

func (w *Worker) pollStatus() error {
	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()
	payload, err := w.fetcher.Status(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching status")
	}
	return w.handleStatus(payload)
}

func (w *Worker) loopHTTP() {
	timer := time.NewTicker(time.Duration(w.cfg.StatusInterval) * time.Second)

	defer func() {
		timer.Stop()
		close(w.closed)
	}()

	if err := w.pollStatus(); err != nil {
		log.Errorf("failed to fetch status: %q", err)
	}
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.quit:
			return
		case <-timer.C:
			if err := w.pollStatus(); err != nil {
				log.Errorf("failed to fetch status: %q", err)
			}
		}
	}
}

func (w *Worker) Start() error {
	if w.cfg.Transport == config.TransportHTTP {
		go w.loopHTTP()
	} else {
		go w.loopMQTT()
	}
	return nil
}

func (w *Worker) Stop() error {
	close(w.quit)
	select {
	case <-w.closed:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for worker to exit")
	}
}
