package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

var loadConfigOnce sync.Once
var configInstance AppConfig

func LoadConfig() AppConfig {
	loadConfigOnce.Do(func() {
		viper.SetEnvPrefix("brite_server")
		viper.AutomaticEnv()
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.SetConfigName("device")
		viper.AddConfigPath("config")
		viper.AddConfigPath("/config")
		viper.SetDefault("general.log_level", "info")
		viper.SetDefault("general.device_id", "brite-device")
		viper.SetDefault("database.path", "brite.db")
		viper.SetDefault("transfer.mtu", 23)
		viper.SetDefault("bluetooth.local_name", "Brite")
		if err := viper.ReadInConfig(); err != nil {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
		configInstance = AppConfig{
			General: GeneralConfig{
				LogLevel: viper.GetString("general.log_level"),
				DeviceID: viper.GetString("general.device_id"),
			},
			MQTTClient: MQTTClientConfig{
				Enabled:  viper.GetBool("mqtt_client.enabled"),
				Broker:   viper.GetString("mqtt_client.broker"),
				ClientID: viper.GetString("mqtt_client.client_id"),
				Username: viper.GetString("mqtt_client.username"),
				Password: viper.GetString("mqtt_client.password"),
			},
			Bluetooth: BluetoothConfig{
				Enabled:   viper.GetBool("bluetooth.enabled"),
				LocalName: viper.GetString("bluetooth.local_name"),
			},
			Database: DatabaseConfig{
				Path: viper.GetString("database.path"),
			},
			Transfer: TransferConfig{
				MTU: uint16(viper.GetUint32("transfer.mtu")),
			},
			LED: LEDConfig{
				RedPath:   viper.GetString("led.red_path"),
				GreenPath: viper.GetString("led.green_path"),
				BluePath:  viper.GetString("led.blue_path"),
			},
		}
	})

	return configInstance
}

type AppConfig struct {
	General    GeneralConfig
	MQTTClient MQTTClientConfig
	Bluetooth  BluetoothConfig
	Database   DatabaseConfig
	Transfer   TransferConfig
	LED        LEDConfig
}

type GeneralConfig struct {
	LogLevel string
	DeviceID string
}

type MQTTClientConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
}

type BluetoothConfig struct {
	Enabled   bool
	LocalName string
}

type DatabaseConfig struct {
	Path string
}

type TransferConfig struct {
	MTU uint16
}

// LEDConfig points at the sysfs brightness files of the RGB LED. Empty paths
// select the log driver.
type LEDConfig struct {
	RedPath   string
	GreenPath string
	BluePath  string
}
