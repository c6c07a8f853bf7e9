package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:      "info",
			LogMaxSizeMB:  10,
			LogMaxBackups: 3,
			DataDir:       "~/.promptrelay",
			DBPath:        "~/.promptrelay/relay.db",
		},
		Hub: HubConfig{
			Enabled:            true,
			Listen:             "127.0.0.1:8765",
			SweepIntervalSec:   60,
			IdleTimeoutSec:     300,
			RateLimitPerSecond: 50,
			Burst:              20,
		},
		Channels: ChannelsConfig{
			Broadcast: ToggleConfig{Enabled: true},
			Storage:   StorageConfig{Enabled: true, PollIntervalMs: 100},
			Worker:    WorkerConfig{Enabled: true},
			Peer:      PeerConfig{Enabled: false, Listen: "127.0.0.1:0"},
			Window:    WindowConfig{Enabled: false},
			QueueSize: 100,
			DedupSize: 512,
		},
		Injection: InjectionConfig{
			VerifyDelayMs:    100,
			TypingMinMs:      25,
			TypingJitterMs:   50,
			AppearTimeoutMs:  5000,
			RetryAttempts:    1,
			RetryBackoffMs:   250,
			ResultTimeoutSec: 60,
		},
		Browser: BrowserConfig{
			ProfileDir:     "~/.promptrelay/chrome-profile",
			Headless:       false,
			LoadTimeoutSec: 30,
		},
		Sites: SitesConfig{
			File:  "~/.promptrelay/sites.yaml",
			Watch: true,
		},
		Health: HealthConfig{
			TimeoutSec:  5,
			CacheTTLSec: 60,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
