package main

import (
	"testing"
	"time"

	"ecgmon/config"
	"ecgmon/models"
	"ecgmon/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestECGGenerator_ChunksAreContiguous(t *testing.T) {
	g := NewECGGenerator(72, 250, 0, time.UnixMilli(1_700_000_000_000))

	first := g.NextChunk(25)
	second := g.NextChunk(25)

	assert.Equal(t, int64(4), first.SampleIntervalMs)
	assert.Equal(t, int64(1_700_000_000_000), first.BaseTimestamp)
	assert.Equal(t, first.BaseTimestamp+25*4, second.BaseTimestamp)
	require.Len(t, second.Lead1, 25)
	require.Len(t, second.Lead3, 25)
}

func TestECGGenerator_WaveformYieldsConfiguredRate(t *testing.T) {
	cfg := &config.Config{
		RPeakThreshold:    700,
		MinPeakIntervalMs: 300,
		BpmMin:            40,
		BpmMax:            200,
		BpmPrecedence:     config.PrecedenceDevice,
	}
	estimator := services.NewHeartRateEstimator(cfg, zap.NewNop())
	g := NewECGGenerator(72, 250, 0, time.UnixMilli(0))

	for i := 0; i < 20; i++ {
		chunk := g.NextChunk(50)
		samples := make([]models.Sample, len(chunk.Lead2))
		for j, v := range chunk.Lead2 {
			samples[j] = models.Sample{Timestamp: chunk.BaseTimestamp + int64(j)*chunk.SampleIntervalMs, Value: v}
		}
		estimator.Scan("gen", samples)
	}

	est, ok := estimator.Estimate("gen")
	require.True(t, ok)
	assert.Equal(t, 72, est.Value)
}

func TestDeviceTopic(t *testing.T) {
	assert.Equal(t, "ecg/bed-4/realtime", deviceTopic("ecg/+/realtime", "bed-4"))
}
