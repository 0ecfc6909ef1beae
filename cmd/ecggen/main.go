package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	deviceID       = pflag.String("device", "ECG-MOCK-001", "Device ID for mock data")
	bpm            = pflag.Float64("bpm", 72, "Heart rate of the synthetic waveform")
	sampleRate     = pflag.Int("rate", 250, "Samples per second per lead")
	chunkSize      = pflag.Int("chunk", 25, "Samples per lead in each realtime message")
	noise          = pflag.Float64("noise", 6, "Amplitude of random noise added to every sample")
	sendHint       = pflag.Bool("hint", false, "Include the device-computed bpm in each message")
	mqttBroker     = pflag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser       = pflag.String("user", "", "MQTT username")
	mqttPass       = pflag.String("pass", "", "MQTT password")
	telemetryTopic = pflag.String("telemetry-topic", "ecg/+/realtime", "Realtime topic pattern, + is replaced by the device ID")
	statusTopic    = pflag.String("status-topic", "devices/+/status", "Status topic pattern, + is replaced by the device ID")
	statusEvery    = pflag.Duration("status-interval", 5*time.Second, "Interval between status messages")
)

type telemetryMessage struct {
	BaseTimestamp    int64     `json:"baseTimestamp"`
	SampleIntervalMs int64     `json:"sampleIntervalMs"`
	Lead1            []float64 `json:"lead1"`
	Lead2            []float64 `json:"lead2"`
	Lead3            []float64 `json:"lead3"`
	Bpm              *float64  `json:"bpm,omitempty"`
}

type statusMessage struct {
	LastSeen int64 `json:"lastSeen"`
}

// ECGGenerator produces a periodic PQRST waveform on three leads. Lead III is
// derived from leads I and II so the three stay consistent.
type ECGGenerator struct {
	bpm      float64
	interval int64
	noise    float64
	start    int64
	next     int64
}

func NewECGGenerator(bpm float64, sampleRate int, noise float64, start time.Time) *ECGGenerator {
	return &ECGGenerator{
		bpm:      bpm,
		interval: int64(1000 / sampleRate),
		noise:    noise,
		start:    start.UnixMilli(),
	}
}

func gaussian(x, mu, sigma float64) float64 {
	d := x - mu
	return math.Exp(-(d * d) / (2 * sigma * sigma))
}

// lead2 returns the lead II value at ms milliseconds into the recording.
func (g *ECGGenerator) lead2(ms int64) float64 {
	rr := 60000 / g.bpm
	phase := math.Mod(float64(ms), rr) / rr

	v := 512.0
	v += 40 * gaussian(phase, 0.20, 0.025)  // P
	v -= 60 * gaussian(phase, 0.37, 0.010)  // Q
	v += 450 * gaussian(phase, 0.40, 0.012) // R
	v -= 80 * gaussian(phase, 0.43, 0.010)  // S
	v += 90 * gaussian(phase, 0.65, 0.040)  // T
	return v
}

// NextChunk returns the next n samples per lead. Consecutive chunks are contiguous.
func (g *ECGGenerator) NextChunk(n int) *telemetryMessage {
	msg := &telemetryMessage{
		BaseTimestamp:    g.start + g.next*g.interval,
		SampleIntervalMs: g.interval,
		Lead1:            make([]float64, n),
		Lead2:            make([]float64, n),
		Lead3:            make([]float64, n),
	}

	for i := 0; i < n; i++ {
		ms := (g.next + int64(i)) * g.interval
		ii := g.lead2(ms) + (rand.Float64()-0.5)*g.noise
		i1 := 512 + 0.6*(ii-512) + (rand.Float64()-0.5)*g.noise
		msg.Lead1[i] = math.Round(i1*10) / 10
		msg.Lead2[i] = math.Round(ii*10) / 10
		msg.Lead3[i] = math.Round((512+ii-i1)*10) / 10
	}
	g.next += int64(n)
	return msg
}

func deviceTopic(pattern, id string) string {
	return strings.Replace(pattern, "+", id, 1)
}

func main() {
	pflag.Parse()

	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *sampleRate <= 0 || 1000%*sampleRate != 0 {
		logger.Fatal("Sample rate must divide 1000 so the interval is a whole number of milliseconds",
			zap.Int("rate", *sampleRate))
	}
	if *chunkSize <= 0 || *bpm <= 0 {
		logger.Fatal("Chunk size and bpm must be positive")
	}

	realtime := deviceTopic(*telemetryTopic, *deviceID)
	status := deviceTopic(*statusTopic, *deviceID)

	logger.Info("ECG mock generator started",
		zap.String("device_id", *deviceID),
		zap.Float64("bpm", *bpm),
		zap.Int("sample_rate", *sampleRate),
		zap.Int("chunk_size", *chunkSize),
		zap.String("mqtt_broker", *mqttBroker),
		zap.String("telemetry_topic", realtime),
		zap.String("status_topic", status),
	)
	logger.Info("Press Ctrl+C to stop gracefully")

	// Initialize MQTT client (simulating the bedside device)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("%s-generator", *deviceID))
	if *mqttUser != "" {
		opts.SetUsername(*mqttUser)
		opts.SetPassword(*mqttPass)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	// broker announces the device offline if the generator dies
	opts.SetWill(status, "offline", 1, false)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}

	generator := NewECGGenerator(*bpm, *sampleRate, *noise, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping generator")
		cancel()
	}()

	chunkEvery := time.Duration(*chunkSize) * time.Second / time.Duration(*sampleRate)
	ticker := time.NewTicker(chunkEvery)
	defer ticker.Stop()

	statusTicker := time.NewTicker(*statusEvery)
	defer statusTicker.Stop()

	logger.Info("Publishing realtime chunks", zap.Duration("interval", chunkEvery))

	messageCount := 0
	startTime := time.Now()

	publish := func(topic string, qos byte, payload []byte) bool {
		token := mqttClient.Publish(topic, qos, false, payload)
		if token.Wait() && token.Error() != nil {
			logger.Error("Failed to publish MQTT message",
				zap.String("topic", topic),
				zap.Error(token.Error()))
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(startTime)
			logger.Info("Shutting down gracefully",
				zap.Int("total_messages", messageCount),
				zap.Duration("total_uptime", elapsed),
				zap.Float64("avg_rate", float64(messageCount)/elapsed.Seconds()),
			)

			publish(status, 1, []byte("offline"))
			mqttClient.Disconnect(250)
			logger.Info("Shutdown complete")
			return

		case <-ticker.C:
			msg := generator.NextChunk(*chunkSize)
			if *sendHint {
				hint := *bpm
				msg.Bpm = &hint
			}

			data, err := json.Marshal(msg)
			if err != nil {
				logger.Error("Failed to marshal realtime message", zap.Error(err))
				continue
			}

			if publish(realtime, 0, data) {
				messageCount++
				if messageCount%100 == 0 {
					logger.Info("Realtime messages published",
						zap.Int("count", messageCount),
						zap.Float64("rate", float64(messageCount)/time.Since(startTime).Seconds()),
					)
				}
				logger.Debug("Published realtime chunk",
					zap.Int64("base_timestamp", msg.BaseTimestamp),
					zap.Int("samples", len(msg.Lead2)))
			}

		case <-statusTicker.C:
			data, _ := json.Marshal(statusMessage{LastSeen: time.Now().UnixMilli()})
			publish(status, 1, data)
		}
	}
}
