package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the application.
type Config struct {
	// Hostname is the public hostname where this service is reachable (used for did:web).
	Hostname string

	// Port is the HTTP server port.
	Port int

	// PublisherDID is the DID of the account that published the feed generator records.
	PublisherDID string

	// DatabasePath is the sqlite DSN backing the durable key-value store.
	DatabasePath string

	// JetstreamURL is the Jetstream WebSocket endpoint the ingestion
	// subscriber connects to.
	JetstreamURL string

	// JWTSecret signs the bearer tokens that carry the caller DID on
	// authenticated API routes.
	JWTSecret string

	// MaxStreamSubscribers caps live streaming connections per group.
	MaxStreamSubscribers int
}

// ServiceDID returns the did:web for this feed generator based on the hostname.
func (c *Config) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	port := 3000
	if p := os.Getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	hostname := os.Getenv("GROUPGEN_HOSTNAME")
	if hostname == "" {
		hostname = "localhost"
	}

	publisherDID := os.Getenv("GROUPGEN_PUBLISHER_DID")
	if publisherDID == "" {
		return nil, fmt.Errorf("GROUPGEN_PUBLISHER_DID is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "groupgen.db"
	}

	jetstreamURL := os.Getenv("GROUPGEN_JETSTREAM_URL")
	if jetstreamURL == "" {
		jetstreamURL = "wss://jetstream1.us-east.bsky.network/subscribe"
	}

	jwtSecret := os.Getenv("GROUPGEN_JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("GROUPGEN_JWT_SECRET is required")
	}

	maxSubscribers := 100
	if m := os.Getenv("GROUPGEN_MAX_STREAM_SUBSCRIBERS"); m != "" {
		var err error
		maxSubscribers, err = strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("invalid GROUPGEN_MAX_STREAM_SUBSCRIBERS: %w", err)
		}
	}

	return &Config{
		Hostname:             hostname,
		Port:                 port,
		PublisherDID:         publisherDID,
		DatabasePath:         dbPath,
		JetstreamURL:         jetstreamURL,
		JWTSecret:            jwtSecret,
		MaxStreamSubscribers: maxSubscribers,
	}, nil
}
