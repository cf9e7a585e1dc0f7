package mqtt

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	DefaultPort = 1883

	keepAlive            = 30 * time.Second
	connectTimeout       = 15 * time.Second
	connectRetryInterval = 5 * time.Second
	maxReconnectInterval = 60 * time.Second
	publishTimeout       = 10 * time.Second

	clientIDPrefix = "z2m-hub-"
	willPayload    = "offline"
)

// Config describes one broker session.
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                bool
	InsecureSkipVerify bool
	ClientID           string
	QoS                byte
	// WillTopic receives "offline" when the session dies uncleanly. Empty disables the will.
	WillTopic string
}

// normalize trims the host, fixes the port and fills the client id.
func (c Config) normalize() (Config, error) {
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		return c, ErrInvalidHost
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = DefaultPort
	}
	if c.QoS > 2 {
		c.QoS = 0
	}
	if strings.TrimSpace(c.ClientID) == "" {
		c.ClientID = clientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	return c, nil
}

// BrokerURL returns the paho server URL for cfg. A host that already carries a
// scheme is used as given, with the port appended when missing.
func BrokerURL(cfg Config) string {
	port := cfg.Port
	if port <= 0 || port > 65535 {
		port = DefaultPort
	}
	host := strings.TrimSpace(cfg.Host)
	if i := strings.Index(host, "://"); i >= 0 {
		rest := host[i+3:]
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return host + ":" + strconv.Itoa(port)
		}
		return host
	}
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(BrokerURL(cfg)).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetMaxReconnectInterval(maxReconnectInterval)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS || strings.HasPrefix(cfg.Host, "ssl://") || strings.HasPrefix(cfg.Host, "mqtts://") {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed brokers
		})
	}
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, willPayload, 1, false)
	}
	return opts
}
