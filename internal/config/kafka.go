package config

import (
	kcfg "kafkarows/source/kafka"
)

// LoadKafkaConfig delegates to the Kafka source loader while centralizing
// loader entrypoints under internal/config. A non-empty driver from the
// pipeline file wins over the one in the source config.
func LoadKafkaConfig(path, driver string) (kcfg.Config, error) {
	c, err := kcfg.LoadConfig(path)
	if err != nil {
		return c, err
	}
	if driver != "" {
		c.Driver = driver
	}
	return c, nil
}
