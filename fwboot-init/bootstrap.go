package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	kafka_sink "github.com/losfair/fwboot/fwboot-libs/kafka-sink"
	"go.uber.org/zap"
)

const defaultConfigPath = "/etc/fwboot.json"

// loadConfig reads the config named by FWBOOT_CONFIG_PATH. Without it, a
// config stashed in scratch RAM by the previous boot wins over the file
// in /etc.
func loadConfig() (*InitConfig, error) {
	var configText []byte

	configPath := os.Getenv("FWBOOT_CONFIG_PATH")
	if configPath == "" {
		if text, ok := loadConfigFromScratch(); ok {
			configText = text
		} else {
			log.Printf("no config in scratch ram, falling back to %s", defaultConfigPath)
			configPath = defaultConfigPath
		}
	}
	if configText == nil {
		text, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("can't read %s: %w", configPath, err)
		}
		configText = text
	}

	return parseConfig(configText)
}

func parseConfig(text []byte) (*InitConfig, error) {
	var config InitConfig
	if err := json.Unmarshal(text, &config); err != nil {
		return nil, fmt.Errorf("can't parse config: %w", err)
	}
	if config.Board == "" && config.Layout == nil {
		config.Board = "none"
	}
	return &config, nil
}

func setupLogging(kafkaUrl string) *zap.Logger {
	zap.RegisterSink("kafka", kafka_sink.InitKafkaSink)

	c := zap.NewProductionConfig()
	if kafkaUrl != "" {
		c.OutputPaths = append(c.OutputPaths, kafkaUrl)
	}
	logger, err := c.Build()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}

	return logger
}
