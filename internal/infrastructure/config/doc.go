// Package config loads config.yaml for the dragon-core daemon and tools.
//
// Values come from built-in defaults, then the YAML file, then DRAGON_*
// environment variables. Secrets (MQTT password, InfluxDB token, JWT
// secret) belong in the environment, and the file itself should be 0600.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	a, b := cfg.Device.FullTravel()
package config
