// device-sim stands in for device firmware during development: it publishes
// telemetry on the bridge's inbound topic and prints any command the bridge
// sends back on its command topic.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type telemetryPayload struct {
	Temp     float64 `json:"temp"`
	Humidity float64 `json:"hum"`
	Uptime   int64   `json:"uptime_s"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	prefix := flag.String("prefix", "embarcatech", "Topic prefix shared with the bridge")
	deviceID := flag.String("device-id", "sensor1", "Device identifier")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published readings")
	baseTemp := flag.Float64("base-temp", 21.0, "Baseline temperature to simulate")

	flag.Parse()

	start := time.Now()

	clientID := fmt.Sprintf("%s-simulator-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	cmdTopic := fmt.Sprintf("%s/%s/cmd", *prefix, *deviceID)
	if token := client.Subscribe(cmdTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		log.Printf("command received on %s: %s", msg.Topic(), msg.Payload())
	}); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to subscribe to %s: %v", cmdTopic, token.Error())
	}
	log.Printf("listening for commands on %s", cmdTopic)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		payload := telemetryPayload{
			Temp:     *baseTemp + rand.Float64()*2 - 1,
			Humidity: 40 + rand.Float64()*20,
			Uptime:   int64(time.Since(start).Seconds()),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		topic := fmt.Sprintf("%s/%s/telemetry", *prefix, *deviceID)
		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s temp=%.1f", topic, payload.Temp)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}
