// Package config loads instrument settings from the environment, with
// an optional .env file for bench deployments.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Stage connection
	StagePort string
	StageBaud int
	StageAxis int
	// Travel limits in device degrees. The mirror mount maps user
	// 0..90 onto device -90..0.
	StageMinAngle float64
	StageMaxAngle float64

	// DAQ connection
	DAQAddress       string
	DAQUnitID        int
	DAQChannel       int
	DAQRange         float64
	DAQMaxSampleRate float64
	DAQGrace         time.Duration

	// Daemon
	ListenAddr string

	// Sweep logger
	ReflectdURL  string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		StagePort:     getEnv("STAGE_PORT", "/dev/ttyUSB0"),
		StageBaud:     getEnvInt("STAGE_BAUD", 19200),
		StageAxis:     getEnvInt("STAGE_AXIS", 1),
		StageMinAngle: getEnvFloat("STAGE_MIN_ANGLE", -90),
		StageMaxAngle: getEnvFloat("STAGE_MAX_ANGLE", 0),

		DAQAddress:       getEnv("DAQ_ADDRESS", "192.168.1.207:502"),
		DAQUnitID:        getEnvInt("DAQ_UNIT_ID", 1),
		DAQChannel:       getEnvInt("DAQ_CHANNEL", 0),
		DAQRange:         getEnvFloat("DAQ_RANGE", 10),
		DAQMaxSampleRate: getEnvFloat("DAQ_MAX_SAMPLE_RATE", 1000),
		DAQGrace:         getEnvDuration("DAQ_GRACE", time.Second),

		ListenAddr: getEnv("LISTEN_ADDR", "127.0.0.1:8080"),

		ReflectdURL:  getEnv("REFLECTD_URL", "ws://127.0.0.1:8080/api/ws"),
		InfluxURL:    getEnv("INFLUX_URL", "http://127.0.0.1:9999"),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", ""),
		InfluxBucket: getEnv("INFLUX_BUCKET", "reflectance"),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Warning: failed to parse %s as float, using default: %v", key, err)
		return defaultValue
	}
	return floatValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	durationValue, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return durationValue
}
