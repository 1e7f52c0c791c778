package main

import "time"

type Config struct {
	ListenAddr         string        `env:"LISTEN_ADDR,default=:8443"`
	LogLevel           string        `env:"LOG_LEVEL,default=info"`
	AuthSecret         string        `env:"AUTH_SECRET,required=true"`
	AccessTokenTTL     time.Duration `env:"ACCESS_TOKEN_TTL,default=15m"`
	RefreshTokenTTL    time.Duration `env:"REFRESH_TOKEN_TTL,default=720h"`
	AuthClockSkew      time.Duration `env:"AUTH_CLOCK_SKEW,default=30s"`
	AuthRefreshTimeout time.Duration `env:"AUTH_REFRESH_TIMEOUT,default=3s"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	InactivityTimeout  time.Duration `env:"INACTIVITY_TIMEOUT,default=5m"`
	ExecutionTTL       time.Duration `env:"EXECUTION_TTL,default=10m"`
	ExecutionSweep     time.Duration `env:"EXECUTION_SWEEP,default=1m"`
	MaxChannelMembers  int           `env:"MAX_CHANNEL_MEMBERS,default=2000"`
	OutboundBuffer     int           `env:"OUTBOUND_BUFFER,default=4096"`
	SinkBuffer         int           `env:"SINK_BUFFER,default=256"`
	SinkTimeout        time.Duration `env:"SINK_TIMEOUT,default=0s"`
	ReplayRetention    time.Duration `env:"REPLAY_RETENTION,default=10m"`
	ReplayLimit        int           `env:"REPLAY_LIMIT,default=500"`
	MessageTailLimit   int           `env:"MESSAGE_TAIL_LIMIT,default=100"`
	BadgerPath         string        `env:"BADGER_PATH,default=./data/crewlink"`

	// Empty brokers keep the gateway on the in-process bus: a single node
	// that fans out to itself only.
	KafkaBrokers        string `env:"KAFKA_BROKERS"`
	KafkaEventsTopic    string `env:"KAFKA_EVENTS_TOPIC,default=crewlink.events"`
	KafkaTelemetryTopic string `env:"KAFKA_TELEMETRY_TOPIC"`
	KafkaNotifyTopic    string `env:"KAFKA_NOTIFY_TOPIC"`

	NodeID          string        `env:"NODE_ID"`
	// Empty disables the keyspace inspector.
	InspectAddr     string        `env:"INSPECT_ADDR"`
	StatsInterval   time.Duration `env:"STATS_INTERVAL,default=30s"`
	ModerationTerms string        `env:"MODERATION_TERMS"`
	RateWindow      time.Duration `env:"RATE_WINDOW,default=10s"`
	RateMaxEvents   int           `env:"RATE_MAX_EVENTS,default=50"`
	DevSeed         bool          `env:"DEV_SEED,default=false"`
}
