package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

// FileName is the config file inside a peer or server directory.
const FileName = "goopcall.json"

// Signaling transports.
const (
	TransportRelay   = "relay"
	TransportMailbox = "mailbox"
	TransportP2P     = "p2p"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	P2P       P2P       `json:"p2p"`
	ICE       ICE       `json:"ice"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	Paths     Paths     `json:"paths"`
	Viewer    Viewer    `json:"viewer"`
	Server    Server    `json:"server"`
}

type Identity struct {
	// UserID addresses this endpoint on relay and mailbox transports. In p2p
	// mode the libp2p peer ID from KeyFile is used instead.
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	KeyFile     string `json:"key_file"`
}

type Signaling struct {
	Transport string `json:"transport"`
	// ServerURL is the rendezvous server base, e.g. http://127.0.0.1:8787.
	ServerURL string `json:"server_url"`
	// Token is a bearer token issued by the server when it has an auth
	// secret. Empty means connect with ?user= only.
	Token string `json:"token"`
}

type P2P struct {
	ListenPort int      `json:"listen_port"`
	MdnsTag    string   `json:"mdns_tag"`
	Peers      []string `json:"peers"` // full multiaddrs with /p2p/<id>
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`
	// TransportPolicy is "all" or "relay" (TURN only).
	TransportPolicy string `json:"transport_policy"`
}

type Call struct {
	RingTimeoutSec     int  `json:"ring_timeout_seconds"`
	HoldSec            int  `json:"hold_seconds"`
	Ringback           bool `json:"ringback"`
	MaxEarlyCandidates int  `json:"max_early_candidates"`
}

func (c Call) RingTimeout() time.Duration { return time.Duration(c.RingTimeoutSec) * time.Second }

func (c Call) Hold() time.Duration { return time.Duration(c.HoldSec) * time.Second }

type Media struct {
	VideoWidth   int `json:"video_width"`
	VideoHeight  int `json:"video_height"`
	VideoBitRate int `json:"video_bitrate"`
}

type Paths struct {
	HistoryDB string `json:"history_db"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

// Server configures `goopcall server`.
type Server struct {
	Bind          string   `json:"bind"`
	Port          int      `json:"port"`
	MailboxDB     string   `json:"mailbox_db"`
	MailboxTTLSec int      `json:"mailbox_ttl_seconds"`
	AuthSecret    string   `json:"auth_secret"`
	CORSOrigins   []string `json:"cors_origins"`
}

func (s Server) Addr() string { return net.JoinHostPort(s.Bind, fmt.Sprint(s.Port)) }

func (s Server) MailboxTTL() time.Duration { return time.Duration(s.MailboxTTLSec) * time.Second }

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Signaling: Signaling{
			Transport: TransportRelay,
			ServerURL: "http://127.0.0.1:8787",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "goopcall-mdns",
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			TransportPolicy: "all",
		},
		Call: Call{
			RingTimeoutSec:     45,
			HoldSec:            3,
			Ringback:           false,
			MaxEarlyCandidates: 64,
		},
		Media: Media{
			VideoWidth:   640,
			VideoHeight:  480,
			VideoBitRate: 1_500_000,
		},
		Paths: Paths{
			HistoryDB: "data/history.db",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Server: Server{
			Bind:          "127.0.0.1",
			Port:          8787,
			MailboxDB:     "data/mailbox.db",
			MailboxTTLSec: 86400,
		},
	}
}

// Validate checks peer settings.
func (c *Config) Validate() error {
	switch c.Signaling.Transport {
	case TransportRelay, TransportMailbox:
		if strings.TrimSpace(c.Identity.UserID) == "" {
			return errors.New("identity.user_id is required")
		}
		if err := validateServerURL(c.Signaling.ServerURL); err != nil {
			return fmt.Errorf("signaling.server_url: %w", err)
		}
	case TransportP2P:
		if strings.TrimSpace(c.Identity.KeyFile) == "" {
			return errors.New("identity.key_file is required for p2p transport")
		}
		if strings.TrimSpace(c.P2P.MdnsTag) == "" {
			return errors.New("p2p.mdns_tag is required")
		}
	default:
		return fmt.Errorf("signaling.transport must be relay, mailbox or p2p (got %q)", c.Signaling.Transport)
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}

	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice.servers[%d]: %q is not a stun/turn url", i, u)
			}
		}
	}
	if p := c.ICE.TransportPolicy; p != "" && p != "all" && p != "relay" {
		return errors.New("ice.transport_policy must be all or relay")
	}

	if c.Call.RingTimeoutSec < 5 || c.Call.RingTimeoutSec > 600 {
		return errors.New("call.ring_timeout_seconds must be 5..600")
	}
	if c.Call.HoldSec < 0 || c.Call.HoldSec > 60 {
		return errors.New("call.hold_seconds must be 0..60")
	}
	if c.Call.MaxEarlyCandidates < 1 {
		return errors.New("call.max_early_candidates must be > 0")
	}

	if c.Media.VideoWidth < 0 || c.Media.VideoHeight < 0 || c.Media.VideoBitRate < 0 {
		return errors.New("media sizes must be >= 0")
	}

	if strings.TrimSpace(c.Paths.HistoryDB) == "" {
		return errors.New("paths.history_db is required")
	}
	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	return nil
}

// ValidateServer checks the settings `goopcall server` uses.
func (c *Config) ValidateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if b := c.Server.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("server.bind must be a valid IP address")
	}
	if strings.TrimSpace(c.Server.MailboxDB) == "" {
		return errors.New("server.mailbox_db is required")
	}
	if c.Server.MailboxTTLSec < 60 {
		return errors.New("server.mailbox_ttl_seconds must be >= 60")
	}
	return nil
}

func validateServerURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("scheme must be http, https, ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads the file over the defaults without validating, for
// callers that only need some sections (the server ignores identity).
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark (editors on Windows add one).
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config at path, or writes defaults there first if the
// file does not exist. It does not validate; createdNew tells the caller
// the identity still needs filling in.
func Ensure(path string) (cfg Config, createdNew bool, err error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := LoadPartial(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg = Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
