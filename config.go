package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethereum/go-ethereum/common"

	ledger "microgrid-ledger/internal/ledger/domain"
	"microgrid-ledger/internal/participant"
)

type config struct {
	HTTPAddr      string
	FleetPath     string
	DatabaseURL   string
	JWTSecret     string
	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	CycleInterval time.Duration
	ReadDelay     time.Duration
	ModbusBaud    int
}

func loadConfig() config {
	cfg := config{
		HTTPAddr:      getenvDefault("HTTP_ADDR", ":8080"),
		FleetPath:     getenvDefault("LEDGER_CONFIG", "ledger.yaml"),
		DatabaseURL:   getenvDefault("DATABASE_URL", ""),
		JWTSecret:     getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		MQTTBrokerURL: getenvDefault("MQTT_BROKER_URL", ""),
		MQTTClientID:  getenvDefault("MQTT_CLIENT_ID", "energy-ledger"),
		MQTTUsername:  getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:  getenvDefault("MQTT_PASSWORD", ""),
		CycleInterval: getenvDuration("CYCLE_INTERVAL", 300*time.Second),
		ReadDelay:     getenvDuration("METER_READ_DELAY", 300*time.Millisecond),
		ModbusBaud:    getenvIntDefault("MODBUS_BAUD_RATE", 2400),
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

// fleetConfig is the YAML file describing the chain endpoints and every
// participant of the deployment.
type fleetConfig struct {
	RPCURL        string              `yaml:"rpc_url"`
	ChainID       int64               `yaml:"chain_id"`
	TokenAddress  string              `yaml:"token_address"`
	MarketAddress string              `yaml:"market_address"`
	Participants  []participantConfig `yaml:"participants"`
}

type participantConfig struct {
	Name          string      `yaml:"name"`
	Role          string      `yaml:"role"`
	PrivateKeyEnv string      `yaml:"private_key_env"`
	DBPath        string      `yaml:"db_path"`
	Precision     int32       `yaml:"precision"`
	Meter         meterConfig `yaml:"meter"`
}

type meterConfig struct {
	Mode        string        `yaml:"mode"`
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	Generation  channelConfig `yaml:"generation"`
	Consumption channelConfig `yaml:"consumption"`
	Sim         simConfig     `yaml:"sim"`
}

type channelConfig struct {
	DeviceAddress byte   `yaml:"device_address"`
	Register      uint16 `yaml:"register"`
}

type simConfig struct {
	Generation  rampConfig `yaml:"generation"`
	Consumption rampConfig `yaml:"consumption"`
}

type rampConfig struct {
	Start float64 `yaml:"start"`
	Step  float64 `yaml:"step"`
}

const (
	meterModeModbus    = "modbus"
	meterModeSimulated = "simulated"
)

func loadFleet(path string) (fleetConfig, error) {
	var fleet fleetConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return fleet, fmt.Errorf("fleet config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &fleet); err != nil {
		return fleet, fmt.Errorf("fleet config: %w", err)
	}
	if err := fleet.validate(); err != nil {
		return fleet, err
	}
	return fleet, nil
}

func (f fleetConfig) validate() error {
	if f.RPCURL == "" {
		return fmt.Errorf("fleet config: rpc_url is required")
	}
	if f.ChainID <= 0 {
		return fmt.Errorf("fleet config: chain_id is required")
	}
	if !common.IsHexAddress(f.TokenAddress) {
		return fmt.Errorf("fleet config: invalid token_address %q", f.TokenAddress)
	}
	if !common.IsHexAddress(f.MarketAddress) {
		return fmt.Errorf("fleet config: invalid market_address %q", f.MarketAddress)
	}
	if len(f.Participants) == 0 {
		return fmt.Errorf("fleet config: no participants")
	}
	seen := make(map[string]struct{}, len(f.Participants))
	for _, p := range f.Participants {
		if p.Name == "" {
			return fmt.Errorf("fleet config: participant without name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("fleet config: duplicate participant %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if _, err := participant.ParseRole(p.Role); err != nil {
			return fmt.Errorf("fleet config: participant %q: invalid role %q", p.Name, p.Role)
		}
		if p.PrivateKeyEnv == "" {
			return fmt.Errorf("fleet config: participant %q: private_key_env is required", p.Name)
		}
		switch p.Meter.Mode {
		case meterModeModbus:
			if p.Meter.Port == "" {
				return fmt.Errorf("fleet config: participant %q: meter port is required", p.Name)
			}
		case meterModeSimulated:
		default:
			return fmt.Errorf("fleet config: participant %q: unknown meter mode %q", p.Name, p.Meter.Mode)
		}
	}
	return nil
}

// precision returns the participant's rounding precision, defaulting by
// meter mode the way the reference deployment does.
func (p participantConfig) precision() int32 {
	if p.Precision > 0 {
		return p.Precision
	}
	if p.Meter.Mode == meterModeModbus {
		return ledger.PrecisionHighRes
	}
	return ledger.PrecisionSimulated
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
